package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/metrics"
	"github.com/edvin/billing/internal/model"
)

// Change is a committed real transition handed to post-commit hooks.
type Change struct {
	Notification model.Notification
	Previous     *model.Subscription
	Current      *model.Subscription
}

// Hook is one post-commit side effect.
type Hook interface {
	Name() string
	Run(ctx context.Context, c Change) error
}

// Dispatcher runs hooks in order. A failing hook is logged and counted and
// never stops the hooks after it.
type Dispatcher struct {
	hooks  []Hook
	logger zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger, hooks ...Hook) *Dispatcher {
	return &Dispatcher{
		hooks:  hooks,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs every hook and returns how many failed.
func (d *Dispatcher) Dispatch(ctx context.Context, c Change) int {
	failed := 0
	for _, h := range d.hooks {
		if err := d.run(ctx, h, c); err != nil {
			failed++
			metrics.SideEffectFailures.WithLabelValues(h.Name()).Inc()
			d.logger.Error().Err(err).
				Str("hook", h.Name()).
				Str("organization_id", c.Current.OrganizationID).
				Str("subscription_id", c.Current.ID).
				Msg("side effect failed")
		}
	}
	return failed
}

func (d *Dispatcher) run(ctx context.Context, h Hook, c Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Run(ctx, c)
}
