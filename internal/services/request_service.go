package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/store"
)

// IRequestService defines request creation, reconciliation and donor decisions.
type IRequestService interface {
	CreateRequest(ctx context.Context, listingID, requesterID, message string) (*models.Request, error)
	ListIncomingForDonor(ctx context.Context, donorID string) ([]models.Request, error)
	ListForListing(ctx context.Context, listingID, actorID string) ([]models.Request, error)
	ListForRequester(ctx context.Context, requesterID string, page Page) ([]models.Request, string, error)
	AcceptRequest(ctx context.Context, requestID, actorID string) (*models.Request, error)
	RejectRequest(ctx context.Context, requestID, actorID string) (*models.Request, error)
	DeleteRequest(ctx context.Context, requestID, actorID string) error
	// RepairAcceptedRequests fixes accepts that were interrupted between the
	// request write and the listing write. It returns the number of requests fixed.
	RepairAcceptedRequests(ctx context.Context) (int, error)
	// RepairRequest applies the same fix to one request. It reports whether anything changed.
	RepairRequest(ctx context.Context, requestID string) (bool, error)
}

const maxMessageLength = 500

// requestService implements IRequestService.
type requestService struct {
	deps Deps
	cfg  *config.Config
}

// NewRequestService creates a new RequestService.
func NewRequestService(deps Deps, cfg *config.Config) IRequestService {
	return &requestService{deps: deps.withDefaults(), cfg: cfg}
}

func (s *requestService) now() time.Time {
	return s.deps.Clock()
}

func (s *requestService) getListing(ctx context.Context, id string) (*models.Listing, error) {
	var listing *models.Listing
	err := read(s.cfg, func() error {
		var err error
		listing, err = s.deps.Store.GetListing(ctx, id)
		return err
	})
	return listing, err
}

func (s *requestService) getRequest(ctx context.Context, id string) (*models.Request, error) {
	var r *models.Request
	err := read(s.cfg, func() error {
		var err error
		r, err = s.deps.Store.GetRequest(ctx, id)
		return err
	})
	return r, err
}

// CreateRequest records a receiver's request for an available listing.
func (s *requestService) CreateRequest(ctx context.Context, listingID, requesterID, message string) (*models.Request, error) {
	message = strings.TrimSpace(message)
	if len(message) > maxMessageLength {
		return nil, errs.Validation([]string{fmt.Sprintf("Message must be at most %d characters", maxMessageLength)})
	}

	listing, err := s.getListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if status := listing.EffectiveStatus(now); status != models.ListingAvailable {
		return nil, errs.InvalidState("listing %s is %s", listingID, status)
	}
	if requesterID == listing.DonorID {
		return nil, errs.Forbidden("donor cannot request their own listing %s", listingID)
	}

	request := &models.Request{
		ID:            models.NewID(),
		ListingID:     listing.ID,
		RequesterID:   requesterID,
		RequesterName: resolveName(ctx, s.deps, requesterID),
		DonorID:       listing.DonorID,
		DonorName:     listing.DonorName,
		Message:       message,
		Status:        models.RequestPending,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The store rejects a second active request for the pair, also under concurrency.
	if err := s.deps.Store.InsertRequest(ctx, request); err != nil {
		return nil, err
	}

	if err := s.deps.Store.AddRequester(ctx, listing.ID, requesterID, now); err != nil {
		// Undo so a retry starts clean instead of hitting the dedup rule.
		if delErr := s.deps.Store.DeleteRequest(ctx, request.ID); delErr != nil {
			log.Printf("CRITICAL: request %s stored but requester %s missing from listing %s requested_by: %v",
				request.ID, requesterID, listing.ID, delErr)
		}
		return nil, fmt.Errorf("failed to add requester %s to listing %s: %w", requesterID, listing.ID, err)
	}

	s.deps.Hook.Notify(ctx, notify.New(notify.EventFoodRequest, listing.DonorID, listing.ID, notify.Data{
		RequesterName: request.RequesterName,
		FoodTitle:     listing.Title,
	}))
	return request, nil
}

// ListIncomingForDonor merges the persisted requests for the donor's listings with
// synthetic ones for requesters present only in requested_by.
func (s *requestService) ListIncomingForDonor(ctx context.Context, donorID string) ([]models.Request, error) {
	var listings []models.Listing
	err := read(s.cfg, func() error {
		var err error
		listings, err = s.deps.Store.QueryListings(ctx, store.ListingFilter{DonorID: donorID}, store.Query{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load listings of donor %s: %w", donorID, err)
	}
	return s.reconcile(ctx, listings)
}

// ListForListing is the reconciled view of one listing. Only its donor may read it.
func (s *requestService) ListForListing(ctx context.Context, listingID, actorID string) ([]models.Request, error) {
	listing, err := s.getListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.DonorID != actorID {
		return nil, errs.Forbidden("user %s does not own listing %s", actorID, listingID)
	}
	return s.reconcile(ctx, []models.Listing{*listing})
}

// reconcile is recomputed on every call; synthetic requests are never stored.
func (s *requestService) reconcile(ctx context.Context, listings []models.Listing) ([]models.Request, error) {
	if len(listings) == 0 {
		return []models.Request{}, nil
	}

	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	var persisted []models.Request
	err := read(s.cfg, func() error {
		var err error
		persisted, err = s.deps.Store.QueryRequests(ctx, store.RequestFilter{ListingIDs: ids}, store.Query{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	type pair struct{ listingID, requesterID string }
	index := make(map[pair]struct{}, len(persisted))
	for _, r := range persisted {
		index[pair{r.ListingID, r.RequesterID}] = struct{}{}
	}

	now := s.now()
	var synthetic []models.Request
	for _, l := range listings {
		for _, requesterID := range l.RequestedBy {
			if _, ok := index[pair{l.ID, requesterID}]; ok {
				continue
			}
			synthetic = append(synthetic, models.Request{
				ID:          models.SyntheticRequestID(l.ID, requesterID),
				ListingID:   l.ID,
				RequesterID: requesterID,
				DonorID:     l.DonorID,
				DonorName:   l.DonorName,
				Status:      models.RequestPending,
				Synthetic:   true,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	}

	s.resolveNames(ctx, synthetic)

	merged := append(persisted, synthetic...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	return merged, nil
}

// resolveNames fills RequesterName concurrently, one lookup per distinct requester.
// Lookup failures leave the raw id in place.
func (s *requestService) resolveNames(ctx context.Context, requests []models.Request) {
	if len(requests) == 0 {
		return
	}

	var mu sync.Mutex
	names := make(map[string]string)
	var userIDs []string
	for _, r := range requests {
		if _, ok := names[r.RequesterID]; !ok {
			names[r.RequesterID] = r.RequesterID
			userIDs = append(userIDs, r.RequesterID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.LookupConcurrency > 0 {
		g.SetLimit(s.cfg.LookupConcurrency)
	}
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			name := resolveName(gctx, s.deps, userID)
			mu.Lock()
			names[userID] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // Lookups never return errors

	for i := range requests {
		requests[i].RequesterName = names[requests[i].RequesterID]
	}
}

// ListForRequester returns a receiver's own persisted requests, newest first.
func (s *requestService) ListForRequester(ctx context.Context, requesterID string, page Page) ([]models.Request, string, error) {
	q, err := storeQuery(s.cfg, page)
	if err != nil {
		return nil, "", err
	}
	var requests []models.Request
	err = read(s.cfg, func() error {
		var err error
		requests, err = s.deps.Store.QueryRequests(ctx, store.RequestFilter{RequesterID: requesterID}, q)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load requests of %s: %w", requesterID, err)
	}
	return requests, nextCursor(requests, q.Limit, func(r models.Request) (time.Time, string) { return r.CreatedAt, r.ID }), nil
}

// materialize turns a synthetic request into a persisted pending one so it can be accepted.
// If an active request already exists for the pair, that one is returned instead.
func (s *requestService) materialize(ctx context.Context, listing *models.Listing, requesterID string) (*models.Request, error) {
	if !listing.HasRequester(requesterID) {
		return nil, errs.NotFound("request", models.SyntheticRequestID(listing.ID, requesterID))
	}
	now := s.now()
	request := &models.Request{
		ID:            models.NewID(),
		ListingID:     listing.ID,
		RequesterID:   requesterID,
		RequesterName: resolveName(ctx, s.deps, requesterID),
		DonorID:       listing.DonorID,
		DonorName:     listing.DonorName,
		Status:        models.RequestPending,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.deps.Store.InsertRequest(ctx, request)
	if err == nil {
		return request, nil
	}
	if !errors.Is(err, errs.ErrDuplicateRequest) {
		return nil, err
	}
	active, err := s.deps.Store.QueryRequests(ctx, store.RequestFilter{
		ListingIDs:  []string{listing.ID},
		RequesterID: requesterID,
		Statuses:    []models.RequestStatus{models.RequestPending, models.RequestAccepted},
	}, store.Query{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errs.InvalidState("request for %s on listing %s changed concurrently", requesterID, listing.ID)
	}
	return &active[0], nil
}

// AcceptRequest moves the request to accepted and claims the listing for its requester.
//
// The two writes are not atomic. The request is transitioned first; if the
// conditional claim then fails, the request is compensated back to pending. If
// the compensation also fails the request stays accepted on an unclaimed listing,
// which RepairAcceptedRequests detects and fixes; a repair task is enqueued.
func (s *requestService) AcceptRequest(ctx context.Context, requestID, actorID string) (*models.Request, error) {
	var request *models.Request
	var listing *models.Listing
	var err error

	if listingID, requesterID, ok := models.ParseSyntheticRequestID(requestID); ok {
		if listing, err = s.getListing(ctx, listingID); err != nil {
			return nil, err
		}
		if listing.DonorID != actorID {
			return nil, errs.Forbidden("user %s does not own listing %s", actorID, listingID)
		}
		if status := listing.EffectiveStatus(s.now()); status != models.ListingAvailable {
			if status == models.ListingClaimed && listing.ClaimedBy == requesterID {
				return s.acceptedRequestFor(ctx, listing, requesterID)
			}
			return nil, errs.InvalidState("listing %s is %s", listingID, status)
		}
		if request, err = s.materialize(ctx, listing, requesterID); err != nil {
			return nil, err
		}
	} else {
		if request, err = s.getRequest(ctx, requestID); err != nil {
			return nil, err
		}
		if request.DonorID != actorID {
			return nil, errs.Forbidden("user %s cannot decide request %s", actorID, requestID)
		}
		if listing, err = s.getListing(ctx, request.ListingID); err != nil {
			return nil, err
		}
		if listing.DonorID != request.DonorID {
			return nil, errs.InvalidState("request %s does not belong to the donor of listing %s", requestID, listing.ID)
		}
	}

	// Re-sent accept after a completed one is a no-op.
	if request.Status == models.RequestAccepted && listing.Status == models.ListingClaimed && listing.ClaimedBy == request.RequesterID {
		return request, nil
	}
	if request.Status != models.RequestPending {
		return nil, errs.InvalidState("request %s is %s", request.ID, request.Status)
	}
	now := s.now()
	if status := listing.EffectiveStatus(now); status != models.ListingAvailable {
		return nil, errs.InvalidState("listing %s is %s", listing.ID, status)
	}

	accepted, err := s.deps.Store.TransitionRequest(ctx, request.ID, models.RequestPending, models.RequestAccepted, now)
	if err != nil {
		return nil, err
	}

	claimed := models.ListingClaimed
	claimant := request.RequesterID
	_, claimErr := s.deps.Store.UpdateListing(ctx, listing.ID, store.ListingUpdate{
		Status:    &claimed,
		ClaimedBy: &claimant,
		UpdatedAt: now,
		IfStatus:  []models.ListingStatus{models.ListingAvailable},
	})
	// A timed-out write or a repair sweep may have applied the same claim.
	if claimErr != nil && !s.claimLanded(ctx, listing.ID, claimant) {
		s.compensateAccept(ctx, request.ID, now)
		return nil, claimErr
	}

	s.deps.Hook.Notify(ctx, notify.New(notify.EventRequestAccepted, request.RequesterID, listing.ID, notify.Data{FoodTitle: listing.Title}))
	return accepted, nil
}

// claimLanded reports whether the listing ended up claimed for claimant despite a failed claim write.
func (s *requestService) claimLanded(ctx context.Context, listingID, claimant string) bool {
	current, err := s.getListing(ctx, listingID)
	return err == nil && current.Status == models.ListingClaimed && current.ClaimedBy == claimant
}

func (s *requestService) compensateAccept(ctx context.Context, requestID string, now time.Time) {
	if _, err := s.deps.Store.TransitionRequest(ctx, requestID, models.RequestAccepted, models.RequestPending, now); err != nil {
		log.Printf("CRITICAL: request %s is accepted but its listing was not claimed; compensation failed: %v", requestID, err)
		if err := s.deps.Scheduler.EnqueueRepair(ctx, requestID); err != nil {
			log.Printf("CRITICAL: failed to enqueue repair for request %s: %v", requestID, err)
		}
	}
}

// acceptedRequestFor returns the accepted request backing a claim, for idempotent re-accepts.
func (s *requestService) acceptedRequestFor(ctx context.Context, listing *models.Listing, requesterID string) (*models.Request, error) {
	accepted, err := s.deps.Store.QueryRequests(ctx, store.RequestFilter{
		ListingIDs:  []string{listing.ID},
		RequesterID: requesterID,
		Statuses:    []models.RequestStatus{models.RequestAccepted},
	}, store.Query{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, errs.InvalidState("listing %s is claimed without an accepted request", listing.ID)
	}
	return &accepted[0], nil
}

// RejectRequest declines a request. A persisted request becomes rejected and the
// listing is left alone; a synthetic one is removed from the listing's requested_by.
func (s *requestService) RejectRequest(ctx context.Context, requestID, actorID string) (*models.Request, error) {
	if listingID, requesterID, ok := models.ParseSyntheticRequestID(requestID); ok {
		return s.rejectSynthetic(ctx, listingID, requesterID, actorID)
	}

	request, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.DonorID != actorID {
		return nil, errs.Forbidden("user %s cannot decide request %s", actorID, requestID)
	}
	if request.Status == models.RequestRejected {
		return request, nil
	}
	if request.Status != models.RequestPending {
		return nil, errs.InvalidState("request %s is %s", requestID, request.Status)
	}

	rejected, err := s.deps.Store.TransitionRequest(ctx, requestID, models.RequestPending, models.RequestRejected, s.now())
	if err != nil {
		return nil, err
	}

	title := request.ListingID
	if listing, err := s.deps.Store.GetListing(ctx, request.ListingID); err == nil {
		title = listing.Title
	}
	s.deps.Hook.Notify(ctx, notify.New(notify.EventRequestRejected, request.RequesterID, request.ListingID, notify.Data{FoodTitle: title}))
	return rejected, nil
}

func (s *requestService) rejectSynthetic(ctx context.Context, listingID, requesterID, actorID string) (*models.Request, error) {
	listing, err := s.getListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.DonorID != actorID {
		return nil, errs.Forbidden("user %s does not own listing %s", actorID, listingID)
	}

	now := s.now()
	removed, err := s.deps.Store.RemoveRequester(ctx, listingID, requesterID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to remove requester %s from listing %s: %w", requesterID, listingID, err)
	}
	if !removed {
		return nil, errs.NotFound("request", models.SyntheticRequestID(listingID, requesterID))
	}

	s.deps.Hook.Notify(ctx, notify.New(notify.EventRequestRejected, requesterID, listingID, notify.Data{FoodTitle: listing.Title}))
	return &models.Request{
		ID:          models.SyntheticRequestID(listingID, requesterID),
		ListingID:   listingID,
		RequesterID: requesterID,
		DonorID:     listing.DonorID,
		DonorName:   listing.DonorName,
		Status:      models.RequestRejected,
		Synthetic:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DeleteRequest removes an accepted or rejected request. The donor or the requester may delete it.
func (s *requestService) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	if models.IsSyntheticRequestID(requestID) {
		return errs.NotFound("request", requestID)
	}
	request, err := s.getRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if actorID != request.DonorID && actorID != request.RequesterID {
		return errs.Forbidden("user %s cannot delete request %s", actorID, requestID)
	}
	if !request.Status.Terminal() {
		return errs.InvalidState("request %s is %s; only accepted or rejected requests can be deleted", requestID, request.Status)
	}
	return s.deps.Store.DeleteRequest(ctx, requestID)
}

// RepairAcceptedRequests rolls forward accepted requests whose listing is still
// available, and rejects those whose listing went to someone else. Requests
// updated within the repair grace period are skipped; an accept may still be
// between its two writes.
func (s *requestService) RepairAcceptedRequests(ctx context.Context) (int, error) {
	var accepted []models.Request
	err := read(s.cfg, func() error {
		var err error
		accepted, err = s.deps.Store.QueryRequests(ctx, store.RequestFilter{
			Statuses: []models.RequestStatus{models.RequestAccepted},
		}, store.Query{})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load accepted requests: %w", err)
	}

	repaired := 0
	cutoff := s.now().Add(-s.cfg.RepairGracePeriod)
	for _, r := range accepted {
		if r.UpdatedAt.After(cutoff) {
			continue
		}
		fixed, err := s.repairOne(ctx, r)
		if err != nil {
			log.Printf("WARN: repair of request %s failed: %v", r.ID, err)
			continue
		}
		if fixed {
			repaired++
		}
	}
	if repaired > 0 {
		log.Printf("Repaired %d accepted requests", repaired)
	}
	return repaired, nil
}

// RepairRequest is the single-request form used by the repair task.
func (s *requestService) RepairRequest(ctx context.Context, requestID string) (bool, error) {
	r, err := s.getRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if r.Status != models.RequestAccepted {
		return false, nil
	}
	return s.repairOne(ctx, *r)
}

func (s *requestService) repairOne(ctx context.Context, r models.Request) (bool, error) {
	listing, err := s.getListing(ctx, r.ListingID)
	if err != nil {
		return false, err
	}
	now := s.now()

	switch {
	case (listing.Status == models.ListingClaimed || listing.Status == models.ListingCompleted) && listing.ClaimedBy == r.RequesterID:
		return false, nil
	case listing.Status == models.ListingAvailable:
		claimed := models.ListingClaimed
		claimant := r.RequesterID
		_, err := s.deps.Store.UpdateListing(ctx, listing.ID, store.ListingUpdate{
			Status:    &claimed,
			ClaimedBy: &claimant,
			UpdatedAt: now,
			IfStatus:  []models.ListingStatus{models.ListingAvailable},
		})
		if err == nil {
			log.Printf("Repair: claimed listing %s for accepted request %s", listing.ID, r.ID)
			return true, nil
		}
		if !errors.Is(err, errs.ErrInvalidState) {
			return false, err
		}
		// Lost to a concurrent claim; fall through to reject.
	}

	if _, err := s.deps.Store.TransitionRequest(ctx, r.ID, models.RequestAccepted, models.RequestRejected, now); err != nil {
		return false, err
	}
	log.Printf("Repair: rejected accepted request %s; listing %s is %s", r.ID, listing.ID, listing.Status)
	return true, nil
}
