package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/api/request"
	"github.com/edvin/billing/internal/api/response"
	"github.com/edvin/billing/internal/core"
	"github.com/edvin/billing/internal/model"
	"github.com/edvin/billing/internal/webhook"
)

type subscriptionReader interface {
	GetByOrganization(ctx context.Context, organizationID string) (*model.Subscription, error)
}

// BindSources read the live state of a purchase the app reports, so the
// bound row does not wait for the platform's next notification.
type BindSources struct {
	AppStore   *webhook.AppStoreVerifier
	Play       PlayValidator
	Tiers      webhook.ProductTiers
	Production bool
}

// SourcePlayLiveState tags notifications built from a Play Developer API lookup at bind time.
const SourcePlayLiveState = "bind.play_live_state"

type Subscription struct {
	svc       subscriptionReader
	processor NotificationProcessor
	sources   BindSources
	now       func() time.Time
}

func NewSubscription(svc subscriptionReader, processor NotificationProcessor, sources BindSources) *Subscription {
	return &Subscription{svc: svc, processor: processor, sources: sources, now: time.Now}
}

type bindResponse struct {
	Bound  bool `json:"bound"`
	Seeded bool `json:"seeded,omitempty"`
}

func (h *Subscription) Get(w http.ResponseWriter, r *http.Request) {
	orgID, err := request.RequireID(chi.URLParam(r, "organizationID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.svc.GetByOrganization(r.Context(), orgID)
	if errors.Is(err, core.ErrSubscriptionNotFound) {
		response.WriteError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("organization_id", orgID).Msg("get subscription failed")
		response.WriteError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	response.WriteJSON(w, http.StatusOK, sub)
}

// Bind attaches the organization to an App Store or Play purchase reported
// by the client after a successful in-app purchase, then applies the
// purchase's current state to the new row: the signed transaction for the
// App Store, a live lookup for Play. Stripe rows are bound by checkout
// webhooks but are accepted here as well.
func (h *Subscription) Bind(w http.ResponseWriter, r *http.Request) {
	orgID, err := request.RequireID(chi.URLParam(r, "organizationID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.BindSubscription
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := zerolog.Ctx(r.Context()).With().
		Str("organization_id", orgID).
		Str("platform", req.Platform).
		Logger()

	platform := model.Platform(req.Platform)
	var seeds []model.Notification
	if platform == model.PlatformAppStore && req.SignedTransaction != "" && h.sources.AppStore != nil {
		n, err := h.sources.AppStore.ParseTransaction(req.SignedTransaction)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "invalid signed transaction")
			return
		}
		if n.ExternalKey != req.ExternalKey {
			response.WriteError(w, http.StatusBadRequest, "signed transaction does not match external_key")
			return
		}
		seeds = append(seeds, *n)
	}

	bound, err := h.processor.Bind(r.Context(), model.SubscriptionBinding{
		OrganizationID: orgID,
		UserID:         req.UserID,
		Platform:       platform,
		ExternalKey:    req.ExternalKey,
	})
	if err != nil {
		logger.Error().Err(err).Msg("bind subscription failed")
		response.WriteError(w, http.StatusInternalServerError, "failed to bind subscription")
		return
	}
	if !bound {
		response.WriteError(w, http.StatusConflict, "organization is entitled on another platform")
		return
	}

	if platform == model.PlatformPlayStore {
		seeds = h.playSeeds(r.Context(), logger, req.ExternalKey)
	}
	seeds = h.applicable(logger, seeds)
	for _, n := range seeds {
		res, err := h.processor.Process(r.Context(), n)
		if err != nil {
			logger.Error().Err(err).Str("event", n.Event.String()).Msg("apply purchase state failed")
			response.WriteError(w, http.StatusInternalServerError, "failed to apply purchase state")
			return
		}
		logger.Info().
			Str("event", n.Event.String()).
			Str("source_type", n.SourceType).
			Str("outcome", string(res.Outcome)).
			Msg("bound purchase state applied")
	}
	response.WriteJSON(w, http.StatusOK, bindResponse{Bound: true, Seeded: len(seeds) > 0})
}

// playSeeds turns the live state of token into the events that bring a
// freshly bound row up to date. A failed lookup yields none; the next
// real-time notification then catches the row up.
func (h *Subscription) playSeeds(ctx context.Context, logger zerolog.Logger, token string) []model.Notification {
	if h.sources.Play == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, PlayValidationTimeout)
	defer cancel()

	state, err := h.sources.Play.Subscription(vctx, token)
	if err != nil {
		logger.Warn().Err(err).Msg("play lookup at bind failed, waiting for notifications")
		return nil
	}

	var builds []func(model.EventPayload) model.Event
	switch state.State {
	case "SUBSCRIPTION_STATE_ACTIVE":
		builds = append(builds, model.Purchased)
	case "SUBSCRIPTION_STATE_CANCELED":
		// Auto-renew is off but the paid period still runs.
		builds = append(builds, model.Purchased, model.Canceled)
	case "SUBSCRIPTION_STATE_IN_GRACE_PERIOD":
		builds = append(builds, model.GracePeriod)
	default:
		return nil
	}

	payload := model.EventPayload{
		PeriodStart: state.StartTime,
		ExpiresAt:   state.ExpiresAt,
		AutoRenew:   state.AutoRenew,
		Tier:        h.sources.Tiers.Lookup(state.ProductID),
	}
	out := make([]model.Notification, 0, len(builds))
	for _, build := range builds {
		out = append(out, model.Notification{
			Platform:    model.PlatformPlayStore,
			ExternalKey: token,
			Event:       build(payload),
			Test:        state.Test,
			SourceType:  SourcePlayLiveState,
		})
	}
	return out
}

// applicable drops seeds from the other environment and purchases whose
// paid period is already over.
func (h *Subscription) applicable(logger zerolog.Logger, seeds []model.Notification) []model.Notification {
	if len(seeds) == 0 {
		return nil
	}
	if reason := webhook.EnvironmentSkipReason(h.sources.Production, seeds[0].Test); reason != "" {
		logger.Info().Str("reason", reason).Msg("bound purchase state not applied for this environment")
		return nil
	}
	p := seeds[0].Event.Payload()
	if seeds[0].Event.Kind() == model.EventPurchased && p.ExpiresAt != nil && !p.ExpiresAt.After(h.now()) {
		logger.Info().Time("expires_at", *p.ExpiresAt).Msg("bound purchase already expired")
		return nil
	}
	return seeds
}
