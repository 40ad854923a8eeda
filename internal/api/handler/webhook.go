package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/api/response"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/core"
	"github.com/edvin/billing/internal/metrics"
	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

// MaxWebhookBody caps every webhook body.
const MaxWebhookBody = 1 << 20

// Delivery outcomes reported in billing_webhook_requests_total.
const (
	statusProcessed    = "processed"
	statusAcknowledged = "acknowledged"
	statusSkipped      = "skipped"
	statusRejected     = "rejected"
	statusFailed       = "failed"
)

// NotificationProcessor applies verified notifications.
type NotificationProcessor interface {
	Process(ctx context.Context, n model.Notification) (*core.ReconcileResult, error)
	Bind(ctx context.Context, b model.SubscriptionBinding) (bool, error)
}

// webhookBase is shared by the platform webhook handlers.
type webhookBase struct {
	platform  model.Platform
	processor NotificationProcessor
	archiver  archive.Archiver
	now       func() time.Time
}

func newWebhookBase(p model.Platform, processor NotificationProcessor, archiver archive.Archiver) webhookBase {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	return webhookBase{platform: p, processor: processor, archiver: archiver, now: time.Now}
}

func (b *webhookBase) logger(r *http.Request) zerolog.Logger {
	return zerolog.Ctx(r.Context()).With().Str("platform", string(b.platform)).Logger()
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (b *webhookBase) observe(eventType, status string, start time.Time) {
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.WebhookRequests.WithLabelValues(string(b.platform), eventType, status).Inc()
	metrics.WebhookDuration.WithLabelValues(string(b.platform)).Observe(time.Since(start).Seconds())
}

// reject answers a delivery that could not be read or authenticated.
func (b *webhookBase) reject(w http.ResponseWriter, logger zerolog.Logger, err error, start time.Time) {
	logger.Error().Err(err).Msg("webhook rejected")
	b.observe("", statusRejected, start)

	msg := "malformed payload"
	if errors.Is(err, webhook.ErrInvalidSignature) {
		msg = "invalid signature"
	}
	response.WriteError(w, http.StatusBadRequest, msg)
}

func (b *webhookBase) archive(ctx context.Context, logger zerolog.Logger, in *webhook.Inbound, body []byte) {
	if err := b.archiver.Archive(ctx, in.Platform, in.EventID, b.now(), body); err != nil {
		logger.Warn().Err(err).Str("event_id", in.EventID).Msg("webhook archive failed")
	}
}

// apply binds and reconciles a verified delivery and returns its outcome label.
func (b *webhookBase) apply(ctx context.Context, logger zerolog.Logger, in *webhook.Inbound) (string, error) {
	if in.Binding != nil {
		bound, err := b.processor.Bind(ctx, *in.Binding)
		if err != nil {
			return statusFailed, err
		}
		if !bound {
			return statusAcknowledged, nil
		}
	}
	if in.Notification == nil {
		logger.Info().Str("type", in.Type).Str("reason", in.Reason).Msg("webhook acknowledged without state change")
		return statusAcknowledged, nil
	}

	for _, n := range append([]model.Notification{*in.Notification}, in.FollowUps...) {
		res, err := b.processor.Process(ctx, n)
		if err != nil {
			return statusFailed, err
		}
		logger.Info().
			Str("type", in.Type).
			Str("event", n.Event.String()).
			Str("outcome", string(res.Outcome)).
			Msg("webhook processed")
	}
	return statusProcessed, nil
}

// finish runs apply and writes the acknowledgement or a 500 so the platform retries.
func (b *webhookBase) finish(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, in *webhook.Inbound, ack response.Received, start time.Time) {
	status, err := b.apply(r.Context(), logger, in)
	b.observe(in.Type, status, start)
	if err != nil {
		logger.Error().Err(err).Str("type", in.Type).Str("event_id", in.EventID).Msg("webhook processing failed")
		response.WriteError(w, http.StatusInternalServerError, "failed to process notification")
		return
	}
	response.WriteReceived(w, ack)
}
