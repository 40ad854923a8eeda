package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/api/request"
	"github.com/edvin/billing/internal/api/response"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/googleplay"
	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

// PlayValidationTimeout bounds the live-state lookup of one delivery.
const PlayValidationTimeout = 3 * time.Second

// PlayValidator reads the live state of a Play purchase token.
type PlayValidator interface {
	Subscription(ctx context.Context, token string) (*googleplay.PurchaseState, error)
}

type GoogleWebhook struct {
	webhookBase
	parser     *webhook.PlayParser
	validator  PlayValidator
	tiers      webhook.ProductTiers
	production bool
}

func NewGoogleWebhook(parser *webhook.PlayParser, validator PlayValidator, tiers webhook.ProductTiers, production bool, processor NotificationProcessor, archiver archive.Archiver) *GoogleWebhook {
	return &GoogleWebhook{
		webhookBase: newWebhookBase(model.PlatformPlayStore, processor, archiver),
		parser:      parser,
		validator:   validator,
		tiers:       tiers,
		production:  production,
	}
}

func (h *GoogleWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.logger(r)

	body, err := readBody(w, r)
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}
	var push request.PubSubPush
	if err := request.DecodeBytes(body, &push); err != nil {
		h.reject(w, logger, fmt.Errorf("%w: %v", webhook.ErrMalformedPayload, err), start)
		return
	}
	in, err := h.parser.Parse(push.Message.Data, push.Message.MessageID)
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}

	h.archive(r.Context(), logger, in, body)

	ack := response.Received{Type: in.Type}
	if in.Notification != nil && in.Type == webhook.PlayTypeSubscription {
		n, reason := h.crossCheck(r.Context(), logger, *in.Notification)
		if reason != "" {
			logger.Info().
				Str("source_type", n.SourceType).
				Str("reason", reason).
				Msg("play notification skipped for this environment")
			h.observe(in.Type, statusSkipped, start)
			ack.Skipped, ack.Reason = true, reason
			response.WriteReceived(w, ack)
			return
		}
		in.Notification = &n
	}

	h.finish(w, r, logger, in, ack, start)
}

// crossCheck enriches n with the live purchase state. It returns a skip
// reason when the purchase belongs to the other environment. A failed
// lookup leaves n as pushed.
func (h *GoogleWebhook) crossCheck(ctx context.Context, logger zerolog.Logger, n model.Notification) (model.Notification, string) {
	if h.validator == nil {
		return n, ""
	}
	vctx, cancel := context.WithTimeout(ctx, PlayValidationTimeout)
	defer cancel()

	state, err := h.validator.Subscription(vctx, n.ExternalKey)
	if err != nil {
		logger.Warn().Err(err).Msg("play validation failed, continuing with push payload")
		return n, ""
	}
	if reason := webhook.EnvironmentSkipReason(h.production, state.Test); reason != "" {
		return n, reason
	}

	n.Test = state.Test
	p := n.Event.Payload()
	if p.ExpiresAt == nil {
		p.ExpiresAt = state.ExpiresAt
	}
	if p.PeriodStart == nil {
		p.PeriodStart = state.StartTime
	}
	if p.AutoRenew == nil {
		p.AutoRenew = state.AutoRenew
	}
	if p.Tier == "" {
		p.Tier = h.tiers.Lookup(state.ProductID)
	}
	n.Event = n.Event.WithPayload(p)
	return n, ""
}
