package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/edvin/billing/internal/api/request"
	"github.com/edvin/billing/internal/api/response"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

type AppleWebhook struct {
	webhookBase
	verifier   *webhook.AppStoreVerifier
	production bool
}

func NewAppleWebhook(verifier *webhook.AppStoreVerifier, production bool, processor NotificationProcessor, archiver archive.Archiver) *AppleWebhook {
	return &AppleWebhook{
		webhookBase: newWebhookBase(model.PlatformAppStore, processor, archiver),
		verifier:    verifier,
		production:  production,
	}
}

func (h *AppleWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.logger(r)

	body, err := readBody(w, r)
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}
	var req request.AppStoreNotification
	if err := request.DecodeBytes(body, &req); err != nil {
		h.reject(w, logger, fmt.Errorf("%w: %v", webhook.ErrMalformedPayload, err), start)
		return
	}
	in, err := h.verifier.Parse(req.SignedPayload)
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}

	h.archive(r.Context(), logger, in, body)

	if in.Notification != nil {
		if reason := webhook.EnvironmentSkipReason(h.production, in.Notification.Test); reason != "" {
			logger.Info().
				Str("type", in.Type).
				Str("reason", reason).
				Msg("app store notification skipped for this environment")
			h.observe(in.Type, statusSkipped, start)
			response.WriteReceived(w, response.Received{Skipped: true, Reason: reason})
			return
		}
	}
	h.finish(w, r, logger, in, response.Received{}, start)
}
