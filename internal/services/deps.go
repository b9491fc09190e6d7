package services

import (
	"context"
	"log"
	"time"

	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/store"
)

// NameCache memoizes user display names. cache.UserNameCache implements it on Redis.
type NameCache interface {
	GetName(ctx context.Context, userID string) (string, bool)
	SetName(ctx context.Context, userID, name string)
	Forget(ctx context.Context, userID string)
}

// Scheduler defers work to the background worker. tasks.Scheduler implements it on asynq.
type Scheduler interface {
	ScheduleExpiryNotice(ctx context.Context, listing *models.Listing, at time.Time) error
	EnqueueRepair(ctx context.Context, requestID string) error
}

// Deps are the collaborators shared by the services. Only Store is required.
type Deps struct {
	Store     store.Store
	Blobs     store.BlobStore
	Hook      notify.Hook
	Scheduler Scheduler
	Names     NameCache
	Clock     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Hook == nil {
		d.Hook = notify.Nop
	}
	if d.Scheduler == nil {
		d.Scheduler = nopScheduler{}
	}
	if d.Names == nil {
		d.Names = nopNameCache{}
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	return d
}

type nopScheduler struct{}

func (nopScheduler) ScheduleExpiryNotice(context.Context, *models.Listing, time.Time) error {
	return nil
}

func (nopScheduler) EnqueueRepair(_ context.Context, requestID string) error {
	log.Printf("WARN: no scheduler configured; request %s needs a manual repair run", requestID)
	return nil
}

type nopNameCache struct{}

func (nopNameCache) GetName(context.Context, string) (string, bool) { return "", false }
func (nopNameCache) SetName(context.Context, string, string)        {}
func (nopNameCache) Forget(context.Context, string)                 {}

// resolveName is a best-effort display-name lookup. Failures degrade to the raw id.
func resolveName(ctx context.Context, d Deps, userID string) string {
	if name, ok := d.Names.GetName(ctx, userID); ok {
		return name
	}
	u, err := d.Store.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	name := u.DisplayName()
	d.Names.SetName(ctx, userID, name)
	return name
}
