package core

import (
	"github.com/rs/zerolog"
)

type Services struct {
	Store        *SubscriptionStore
	Subscription *SubscriptionService
	Staff        *StaffService
	User         *UserService
	Audit        *AuditService
	Reconciler   *Reconciler
	Dispatcher   *Dispatcher
	Processor    *Processor
}

// NewServices wires the core services. Hooks run in the order cache, staff,
// notify, audit.
func NewServices(db DB, c Cache, notifier Notifier, catalog *TierCatalog, logger zerolog.Logger) *Services {
	store := NewSubscriptionStore(db)
	subscriptions := NewSubscriptionService(store, c, logger)
	staff := NewStaffService(db)
	users := NewUserService(db)
	audit := NewAuditService(db)

	reconciler := NewReconciler(store, catalog, logger)
	dispatcher := NewDispatcher(logger,
		NewCacheHook(c, users),
		NewStaffHook(staff),
		NewNotifyHook(notifier),
		NewAuditHook(audit),
	)

	return &Services{
		Store:        store,
		Subscription: subscriptions,
		Staff:        staff,
		User:         users,
		Audit:        audit,
		Reconciler:   reconciler,
		Dispatcher:   dispatcher,
		Processor:    NewProcessor(reconciler, dispatcher, store, subscriptions, catalog, logger),
	}
}
