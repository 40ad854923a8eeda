package handler

import (
	"net/http"
	"time"

	"github.com/edvin/billing/internal/api/response"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

type StripeWebhook struct {
	webhookBase
	verifier *webhook.StripeVerifier
}

func NewStripeWebhook(verifier *webhook.StripeVerifier, processor NotificationProcessor, archiver archive.Archiver) *StripeWebhook {
	return &StripeWebhook{
		webhookBase: newWebhookBase(model.PlatformStripe, processor, archiver),
		verifier:    verifier,
	}
}

func (h *StripeWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.logger(r)

	if h.verifier == nil || !h.verifier.Configured() {
		logger.Error().Msg("stripe webhook secret is not configured")
		response.WriteError(w, http.StatusServiceUnavailable, "stripe webhook is not configured")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}
	in, err := h.verifier.Parse(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.reject(w, logger, err, start)
		return
	}

	h.archive(r.Context(), logger, in, body)
	h.finish(w, r, logger, in, response.Received{}, start)
}
