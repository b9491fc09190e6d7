package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/store"
	"foodbridge/core/internal/store/memstore"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const (
	donorID = "donor-1"
	recv1   = "recv-1"
	recv2   = "recv-2"
)

type recordingHook struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (h *recordingHook) Notify(_ context.Context, n notify.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, n)
}

func (h *recordingHook) events() []notify.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]notify.Event, len(h.sent))
	for i, n := range h.sent {
		out[i] = n.Event
	}
	return out
}

func (h *recordingHook) last() notify.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[len(h.sent)-1]
}

type recordingScheduler struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	repairs []string
}

func (s *recordingScheduler) ScheduleExpiryNotice(_ context.Context, l *models.Listing, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry == nil {
		s.expiry = make(map[string]time.Time)
	}
	s.expiry[l.ID] = at
	return nil
}

func (s *recordingScheduler) EnqueueRepair(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repairs = append(s.repairs, requestID)
	return nil
}

type mapNameCache struct {
	mu    sync.Mutex
	names map[string]string
}

func (c *mapNameCache) GetName(_ context.Context, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.names[id]
	return name, ok
}

func (c *mapNameCache) SetName(_ context.Context, id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}

func (c *mapNameCache) Forget(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, id)
}

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	hook     *recordingHook
	sched    *recordingScheduler
	names    *mapNameCache
	cfg      *config.Config
	now      time.Time
	listings IListingService
	requests IRequestService
	users    IUserService
	ratings  IRatingService
	chat     IChatService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memstore.New(),
		hook:  &recordingHook{},
		sched: &recordingScheduler{},
		names: &mapNameCache{names: map[string]string{}},
		cfg:   config.Defaults(),
		now:   t0,
	}
	deps := Deps{
		Store:     f.store,
		Hook:      f.hook,
		Scheduler: f.sched,
		Names:     f.names,
		Clock:     func() time.Time { return f.now },
	}
	f.listings = NewListingService(deps, f.cfg)
	f.requests = NewRequestService(deps, f.cfg)
	f.users = NewUserService(deps, f.cfg)
	f.ratings = NewRatingService(deps, f.cfg)
	f.chat = NewChatService(deps, f.cfg)

	for id, name := range map[string]string{donorID: "Asha", recv1: "Ravi", recv2: "Meena"} {
		require.NoError(t, f.store.UpsertUser(f.ctx, &models.User{ID: id, Name: name, Role: models.RoleReceiver, Rating: 4.5}))
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func validDraft() models.ListingDraft {
	return models.ListingDraft{
		Title:       "Veg biryani",
		Description: "Five plates, packed",
		FoodType:    models.FoodTypeVeg,
		Quantity:    4,
		ExpiryTime:  t0.Add(4 * time.Hour),
		PickupLocation: models.PickupLocation{
			Latitude: 12.9716, Longitude: 77.5946, Address: "MG Road, Bengaluru",
		},
	}
}

func (f *fixture) createListing(t *testing.T) *models.Listing {
	t.Helper()
	l, err := f.listings.CreateListing(f.ctx, donorID, validDraft())
	require.NoError(t, err)
	return l
}

func (f *fixture) getListing(t *testing.T, id string) *models.Listing {
	t.Helper()
	l, err := f.store.GetListing(f.ctx, id)
	require.NoError(t, err)
	return l
}

func (f *fixture) getRequest(t *testing.T, id string) *models.Request {
	t.Helper()
	r, err := f.store.GetRequest(f.ctx, id)
	require.NoError(t, err)
	return r
}

// steppingStore runs between once, right after the first listing or request
// state write that passes through it.
type steppingStore struct {
	*memstore.Store
	mu      sync.Mutex
	between func()
}

func (s *steppingStore) step() {
	s.mu.Lock()
	fn := s.between
	s.between = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *steppingStore) UpdateListing(ctx context.Context, id string, u store.ListingUpdate) (*models.Listing, error) {
	l, err := s.Store.UpdateListing(ctx, id, u)
	if err == nil {
		s.step()
	}
	return l, err
}

func (s *steppingStore) TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, now time.Time) (*models.Request, error) {
	r, err := s.Store.TransitionRequest(ctx, id, from, to, now)
	if err == nil {
		s.step()
	}
	return r, err
}

// steppedServices builds listing and request services over a steppingStore
// that runs between after their first write.
func (f *fixture) steppedServices(between func()) (IListingService, IRequestService) {
	deps := Deps{
		Store:     &steppingStore{Store: f.store, between: between},
		Hook:      f.hook,
		Scheduler: f.sched,
		Names:     f.names,
		Clock:     func() time.Time { return f.now },
	}
	return NewListingService(deps, f.cfg), NewRequestService(deps, f.cfg)
}

// sweeper is a second worker's request service whose clock runs ahead by skew.
func (f *fixture) sweeper(skew time.Duration) IRequestService {
	return NewRequestService(Deps{
		Store:     f.store,
		Hook:      f.hook,
		Scheduler: f.sched,
		Names:     f.names,
		Clock:     func() time.Time { return f.now.Add(skew) },
	}, f.cfg)
}
