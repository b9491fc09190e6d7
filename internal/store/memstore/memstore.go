// Package memstore is an in-process implementation of store.Store. It backs the
// "memory" STORE_BACKEND and the service tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/geo"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/store"
)

// Store keeps every collection in maps guarded by a single mutex, which makes
// each conditional write atomic.
type Store struct {
	mu       sync.RWMutex
	listings map[string]models.Listing
	requests map[string]models.Request
	users    map[string]models.User
	ratings  map[string]models.Rating
	messages map[string][]models.ChatMessage

	faults map[string][]error
	bus    store.Bus
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		listings: make(map[string]models.Listing),
		requests: make(map[string]models.Request),
		users:    make(map[string]models.User),
		ratings:  make(map[string]models.Rating),
		messages: make(map[string][]models.ChatMessage),
		faults:   make(map[string][]error),
		bus:      store.NewHub(),
	}
}

// FailNext makes the next call to the named method (e.g. "UpdateListing") fail
// with err. Calls queue up in order; a nil err lets that call through.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], err)
}

// fault pops an injected error. Callers hold s.mu.
func (s *Store) fault(method string) error {
	q := s.faults[method]
	if len(q) == 0 {
		return nil
	}
	s.faults[method] = q[1:]
	return q[0]
}

func (s *Store) takeFault(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault(method)
}

func cloneListing(l models.Listing) models.Listing {
	l.Images = slices.Clone(l.Images)
	l.RequestedBy = slices.Clone(l.RequestedBy)
	if l.PickupLocation.Point != nil {
		p := *l.PickupLocation.Point
		p.Coordinates = slices.Clone(p.Coordinates)
		l.PickupLocation.Point = &p
	}
	return l
}

func page[T any](items []T, q store.Query, key func(T) (time.Time, string)) []T {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti.Equal(tj) {
			return idi > idj
		}
		return ti.After(tj)
	})
	out := make([]T, 0, len(items))
	for _, it := range items {
		t, id := key(it)
		if !q.After.Before(t, id) {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Listings

func (s *Store) InsertListing(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertListing"); err != nil {
		return err
	}
	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	s.listings[l.ID] = cloneListing(*l)
	return nil
}

func (s *Store) GetListing(_ context.Context, id string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetListing"); err != nil {
		return nil, err
	}
	l, ok := s.listings[id]
	if !ok {
		return nil, errs.NotFound("listing", id)
	}
	out := cloneListing(l)
	return &out, nil
}

func matchesListing(l models.Listing, f store.ListingFilter) bool {
	if f.DonorID != "" && l.DonorID != f.DonorID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, l.Status) {
		return false
	}
	if f.ExpiresAfter != nil && !l.ExpiryTime.After(*f.ExpiresAfter) {
		return false
	}
	if f.Near != nil {
		d := geo.DistanceTo(f.Near.Origin, &l)
		if !geo.Known(d) || d > f.Near.RadiusKm {
			return false
		}
	}
	return true
}

func (s *Store) QueryListings(_ context.Context, f store.ListingFilter, q store.Query) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("QueryListings"); err != nil {
		return nil, err
	}
	var matched []models.Listing
	for _, l := range s.listings {
		if matchesListing(l, f) {
			matched = append(matched, cloneListing(l))
		}
	}
	return page(matched, q, func(l models.Listing) (time.Time, string) { return l.CreatedAt, l.ID }), nil
}

func (s *Store) UpdateListing(_ context.Context, id string, u store.ListingUpdate) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpdateListing"); err != nil {
		return nil, err
	}
	l, ok := s.listings[id]
	if !ok {
		return nil, errs.NotFound("listing", id)
	}
	if len(u.IfStatus) > 0 && !slices.Contains(u.IfStatus, l.Status) {
		return nil, errs.InvalidState("listing %s is %s", id, l.Status)
	}

	if u.Title != nil {
		l.Title = *u.Title
	}
	if u.Description != nil {
		l.Description = *u.Description
	}
	if u.FoodType != nil {
		l.FoodType = *u.FoodType
	}
	if u.Quantity != nil {
		l.Quantity = *u.Quantity
	}
	if u.ExpiryTime != nil {
		l.ExpiryTime = *u.ExpiryTime
	}
	if u.PickupLocation != nil {
		l.PickupLocation = *u.PickupLocation
	}
	if u.Images != nil {
		l.Images = slices.Clone(u.Images)
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.ClaimedBy != nil {
		l.ClaimedBy = *u.ClaimedBy
	}
	l.UpdatedAt = u.UpdatedAt

	s.listings[id] = cloneListing(l)
	return &l, nil
}

func (s *Store) DeleteListing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteListing"); err != nil {
		return err
	}
	if _, ok := s.listings[id]; !ok {
		return errs.NotFound("listing", id)
	}
	delete(s.listings, id)
	return nil
}

func (s *Store) AppendImage(_ context.Context, id, url string, limit int, now time.Time) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendImage"); err != nil {
		return nil, err
	}
	l, ok := s.listings[id]
	if !ok {
		return nil, errs.NotFound("listing", id)
	}
	if len(l.Images) >= limit {
		return nil, errs.InvalidState("listing %s already has %d images", id, len(l.Images))
	}
	l.Images = append(slices.Clone(l.Images), url)
	l.UpdatedAt = now
	s.listings[id] = l
	out := cloneListing(l)
	return &out, nil
}

func (s *Store) AddRequester(_ context.Context, listingID, requesterID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AddRequester"); err != nil {
		return err
	}
	l, ok := s.listings[listingID]
	if !ok {
		return errs.NotFound("listing", listingID)
	}
	if !slices.Contains(l.RequestedBy, requesterID) {
		l.RequestedBy = append(slices.Clone(l.RequestedBy), requesterID)
	}
	l.UpdatedAt = now
	s.listings[listingID] = l
	return nil
}

func (s *Store) RemoveRequester(_ context.Context, listingID, requesterID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RemoveRequester"); err != nil {
		return false, err
	}
	l, ok := s.listings[listingID]
	if !ok {
		return false, errs.NotFound("listing", listingID)
	}
	idx := slices.Index(l.RequestedBy, requesterID)
	if idx < 0 {
		return false, nil
	}
	l.RequestedBy = slices.Delete(slices.Clone(l.RequestedBy), idx, idx+1)
	l.UpdatedAt = now
	s.listings[listingID] = l
	return true, nil
}

// Requests

func (s *Store) InsertRequest(_ context.Context, r *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertRequest"); err != nil {
		return err
	}
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	if r.Status.Active() {
		for _, existing := range s.requests {
			if existing.Active && existing.ListingID == r.ListingID && existing.RequesterID == r.RequesterID {
				return errs.DuplicateRequest(r.ListingID, r.RequesterID)
			}
		}
	}
	stored := *r
	stored.Active = r.Status.Active()
	s.requests[r.ID] = stored
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, errs.NotFound("request", id)
	}
	return &r, nil
}

func matchesRequest(r models.Request, f store.RequestFilter) bool {
	if len(f.ListingIDs) > 0 && !slices.Contains(f.ListingIDs, r.ListingID) {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.DonorID != "" && r.DonorID != f.DonorID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

func (s *Store) QueryRequests(_ context.Context, f store.RequestFilter, q store.Query) ([]models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("QueryRequests"); err != nil {
		return nil, err
	}
	var matched []models.Request
	for _, r := range s.requests {
		if matchesRequest(r, f) {
			matched = append(matched, r)
		}
	}
	return page(matched, q, func(r models.Request) (time.Time, string) { return r.CreatedAt, r.ID }), nil
}

func (s *Store) TransitionRequest(_ context.Context, id string, from, to models.RequestStatus, now time.Time) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, errs.NotFound("request", id)
	}
	if r.Status != from {
		return nil, errs.InvalidState("request %s is %s, not %s", id, r.Status, from)
	}
	r.Status = to
	r.Active = to.Active()
	r.UpdatedAt = now
	s.requests[id] = r
	return &r, nil
}

func (s *Store) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteRequest"); err != nil {
		return err
	}
	if _, ok := s.requests[id]; !ok {
		return errs.NotFound("request", id)
	}
	delete(s.requests, id)
	return nil
}

func (s *Store) DeleteRequestsForListing(_ context.Context, listingID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteRequestsForListing"); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range s.requests {
		if r.ListingID == listingID {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

// Users

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetUser"); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, errs.NotFound("user", id)
	}
	return &u, nil
}

func (s *Store) UpsertUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertUser"); err != nil {
		return err
	}
	s.users[u.ID] = *u
	return nil
}

// Ratings

func (s *Store) InsertRating(_ context.Context, r *models.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertRating"); err != nil {
		return err
	}
	for _, existing := range s.ratings {
		if existing.ListingID == r.ListingID && existing.RaterID == r.RaterID && existing.RatedUserID == r.RatedUserID {
			return errs.InvalidState("user %s already rated %s for listing %s", r.RaterID, r.RatedUserID, r.ListingID)
		}
	}
	s.ratings[r.ID] = *r
	return nil
}

func (s *Store) QueryRatings(_ context.Context, ratedUserID string, q store.Query) ([]models.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("QueryRatings"); err != nil {
		return nil, err
	}
	var matched []models.Rating
	for _, r := range s.ratings {
		if r.RatedUserID == ratedUserID {
			matched = append(matched, r)
		}
	}
	return page(matched, q, func(r models.Rating) (time.Time, string) { return r.CreatedAt, r.ID }), nil
}

// Messages

func (s *Store) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	s.mu.Lock()
	if err := s.fault("AppendMessage"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.messages[m.ListingID] = append(s.messages[m.ListingID], *m)
	s.mu.Unlock()

	return s.bus.Publish(ctx, *m)
}

func (s *Store) ListMessages(_ context.Context, listingID string, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListMessages"); err != nil {
		return nil, err
	}
	msgs := slices.Clone(s.messages[listingID])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Store) Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (store.Unsubscribe, error) {
	if err := s.takeFault("Subscribe"); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, listingID, fn)
}
