package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/geo"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/storage"
	"foodbridge/core/internal/store"
)

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, donorID string, draft models.ListingDraft) (*models.Listing, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	UpdateListing(ctx context.Context, id, actorID string, patch models.ListingPatch) (*models.Listing, error)
	DeleteListing(ctx context.Context, id, actorID string) error
	ListByDonor(ctx context.Context, donorID string, page Page) ([]models.Listing, string, error)
	ListAvailable(ctx context.Context, page Page) ([]models.Listing, string, error)
	ListNearby(ctx context.Context, origin models.Coords, radiusKm float64, page Page) ([]geo.ListingDistance, error)
	FilterByRadius(listings []models.Listing, origin models.Coords, radiusKm float64) []models.Listing
	AttachImage(ctx context.Context, id, actorID, filename string, data []byte) (*models.Listing, error)
	CompleteListing(ctx context.Context, id, actorID string) (*models.Listing, error)
	ReleaseClaim(ctx context.Context, id, actorID string) (*models.Listing, error)
	// NotifyExpiring sends the food_expiring notice if the listing is still open.
	NotifyExpiring(ctx context.Context, id string) error
}

// listingService implements IListingService.
type listingService struct {
	deps Deps
	cfg  *config.Config
}

// NewListingService creates a new ListingService.
func NewListingService(deps Deps, cfg *config.Config) IListingService {
	return &listingService{deps: deps.withDefaults(), cfg: cfg}
}

func (s *listingService) now() time.Time {
	return s.deps.Clock()
}

// validateListing checks every constraint and reports all violations at once.
func validateListing(title, description string, foodType models.FoodType, quantity int, loc models.PickupLocation, images []string) []string {
	var problems []string
	if strings.TrimSpace(title) == "" {
		problems = append(problems, "Title is required")
	}
	if strings.TrimSpace(description) == "" {
		problems = append(problems, "Description is required")
	}
	if !foodType.Valid() {
		problems = append(problems, "Food type must be one of veg, non-veg, vegan")
	}
	if quantity <= 0 {
		problems = append(problems, "Quantity must be greater than 0")
	}
	if strings.TrimSpace(loc.Address) == "" {
		problems = append(problems, "Pickup address is required")
	}
	if !geo.ValidCoords(loc.Latitude, loc.Longitude) {
		problems = append(problems, "Pickup location coordinates are invalid")
	}
	if len(images) > models.MaxListingImages {
		problems = append(problems, fmt.Sprintf("At most %d images are allowed", models.MaxListingImages))
	}
	return problems
}

// CreateListing validates the draft and stores a new available listing.
func (s *listingService) CreateListing(ctx context.Context, donorID string, draft models.ListingDraft) (*models.Listing, error) {
	now := s.now()

	problems := validateListing(draft.Title, draft.Description, draft.FoodType, draft.Quantity, draft.PickupLocation, draft.Images)
	if !draft.ExpiryTime.After(now) {
		problems = append(problems, "Expiry time must be in the future")
	}
	if err := errs.Validation(problems); err != nil {
		return nil, err
	}

	donorName, donorRating := donorID, 0.0
	if u, err := s.deps.Store.GetUser(ctx, donorID); err == nil {
		donorName, donorRating = u.DisplayName(), u.Rating
	} else if !errors.Is(err, errs.ErrNotFound) {
		log.Printf("WARN: donor lookup failed for %s, using raw id: %v", donorID, err)
	}

	images := draft.Images
	if images == nil {
		images = []string{}
	}
	listing := &models.Listing{
		ID:             models.NewID(),
		DonorID:        donorID,
		DonorName:      donorName,
		DonorRating:    donorRating,
		Title:          strings.TrimSpace(draft.Title),
		Description:    strings.TrimSpace(draft.Description),
		FoodType:       draft.FoodType,
		Quantity:       draft.Quantity,
		ExpiryTime:     draft.ExpiryTime.UTC(),
		PickupLocation: draft.PickupLocation,
		Images:         images,
		Status:         models.ListingAvailable,
		RequestedBy:    []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	listing.PickupLocation.Point = models.NewPoint(listing.PickupLocation.Latitude, listing.PickupLocation.Longitude)

	if err := s.deps.Store.InsertListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("failed to insert listing for donor %s: %w", donorID, err)
	}

	if at := listing.ExpiryTime.Add(-s.cfg.ExpiringNoticeLead); at.After(now) {
		if err := s.deps.Scheduler.ScheduleExpiryNotice(ctx, listing, at); err != nil {
			log.Printf("WARN: failed to schedule expiry notice for listing %s: %v", listing.ID, err)
		}
	}

	return listing, nil
}

// GetListing returns the stored listing. Expiry is not applied here; callers use EffectiveStatus.
func (s *listingService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var listing *models.Listing
	err := read(s.cfg, func() error {
		var err error
		listing, err = s.deps.Store.GetListing(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// ownedListing loads a listing and checks that actorID is its donor.
func (s *listingService) ownedListing(ctx context.Context, id, actorID string) (*models.Listing, error) {
	listing, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.DonorID != actorID {
		return nil, errs.Forbidden("user %s does not own listing %s", actorID, id)
	}
	return listing, nil
}

// UpdateListing merges patch into the listing. Only the donor may update it.
func (s *listingService) UpdateListing(ctx context.Context, id, actorID string, patch models.ListingPatch) (*models.Listing, error) {
	if patch.Empty() {
		return nil, errs.Validation([]string{"No fields to update"})
	}

	listing, err := s.ownedListing(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	merged := *listing
	if patch.Title != nil {
		merged.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		merged.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.FoodType != nil {
		merged.FoodType = *patch.FoodType
	}
	if patch.Quantity != nil {
		merged.Quantity = *patch.Quantity
	}
	if patch.PickupLocation != nil {
		merged.PickupLocation = *patch.PickupLocation
	}
	if patch.Images != nil {
		merged.Images = patch.Images
	}

	problems := validateListing(merged.Title, merged.Description, merged.FoodType, merged.Quantity, merged.PickupLocation, merged.Images)
	if patch.ExpiryTime != nil && !patch.ExpiryTime.After(now) {
		problems = append(problems, "Expiry time must be in the future")
	}
	if err := errs.Validation(problems); err != nil {
		return nil, err
	}

	update := store.ListingUpdate{
		Title:          patch.Title,
		Description:    patch.Description,
		FoodType:       patch.FoodType,
		Quantity:       patch.Quantity,
		ExpiryTime:     patch.ExpiryTime,
		PickupLocation: patch.PickupLocation,
		Images:         patch.Images,
		UpdatedAt:      now,
		IfStatus:       []models.ListingStatus{listing.Status},
	}
	if patch.Title != nil {
		update.Title = &merged.Title
	}
	if patch.Description != nil {
		update.Description = &merged.Description
	}

	if patch.Status != nil && *patch.Status != listing.Status {
		next := *patch.Status
		if !next.Valid() || !listing.Status.CanTransitionTo(next) {
			return nil, errs.InvalidTransition(string(listing.Status), string(next))
		}
		// These edges carry claimant bookkeeping and have dedicated operations.
		switch {
		case next == models.ListingClaimed:
			return nil, errs.InvalidState("listing %s can only be claimed by accepting a request", id)
		case next == models.ListingCompleted:
			return nil, errs.InvalidState("listing %s must be completed through the complete operation", id)
		case listing.Status == models.ListingClaimed && next == models.ListingAvailable:
			return nil, errs.InvalidState("listing %s must be released through the release operation", id)
		}
		update.Status = &next
	}

	updated, err := s.deps.Store.UpdateListing(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update listing %s: %w", id, err)
	}
	return updated, nil
}

// DeleteListing hard-deletes a listing and its requests. Only the donor may delete it.
func (s *listingService) DeleteListing(ctx context.Context, id, actorID string) error {
	if _, err := s.ownedListing(ctx, id, actorID); err != nil {
		return err
	}
	// Requests go first so a failed delete can be retried by the donor.
	n, err := s.deps.Store.DeleteRequestsForListing(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete requests for listing %s: %w", id, err)
	}
	if n > 0 {
		log.Printf("Deleted %d requests with listing %s", n, id)
	}
	if err := s.deps.Store.DeleteListing(ctx, id); err != nil {
		return fmt.Errorf("failed to delete listing %s: %w", id, err)
	}
	return nil
}

func listingKey(l models.Listing) (time.Time, string) { return l.CreatedAt, l.ID }

func (s *listingService) query(ctx context.Context, f store.ListingFilter, page Page) ([]models.Listing, string, error) {
	q, err := storeQuery(s.cfg, page)
	if err != nil {
		return nil, "", err
	}
	var listings []models.Listing
	err = read(s.cfg, func() error {
		var err error
		listings, err = s.deps.Store.QueryListings(ctx, f, q)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to query listings: %w", err)
	}
	return listings, nextCursor(listings, q.Limit, listingKey), nil
}

// ListByDonor returns every listing of donorID, newest first.
func (s *listingService) ListByDonor(ctx context.Context, donorID string, page Page) ([]models.Listing, string, error) {
	return s.query(ctx, store.ListingFilter{DonorID: donorID}, page)
}

// ListAvailable returns open, unexpired listings, newest first.
func (s *listingService) ListAvailable(ctx context.Context, page Page) ([]models.Listing, string, error) {
	now := s.now()
	return s.query(ctx, store.ListingFilter{
		Statuses:     []models.ListingStatus{models.ListingAvailable},
		ExpiresAfter: &now,
	}, page)
}

// ListNearby returns available listings within radiusKm of origin, annotated with distance.
// The store prefilter is coarse; the Haversine filter decides membership.
func (s *listingService) ListNearby(ctx context.Context, origin models.Coords, radiusKm float64, page Page) ([]geo.ListingDistance, error) {
	if !geo.ValidCoords(origin.Latitude, origin.Longitude) {
		return nil, errs.Validation([]string{"Origin coordinates are invalid"})
	}
	if radiusKm <= 0 {
		radiusKm = s.cfg.DefaultNearbyRadiusKm
	}

	now := s.now()
	var candidates []models.Listing
	err := read(s.cfg, func() error {
		var err error
		candidates, err = s.deps.Store.QueryListings(ctx, store.ListingFilter{
			Statuses:     []models.ListingStatus{models.ListingAvailable},
			ExpiresAfter: &now,
			Near:         &store.NearFilter{Origin: origin, RadiusKm: radiusKm},
		}, store.Query{Limit: s.cfg.NearbyScanLimit})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby listings: %w", err)
	}

	nearby := geo.Annotate(geo.FilterByRadius(candidates, origin, radiusKm), origin)
	if limit := ClampLimit(page.Limit, s.cfg.DefaultPageLimit, s.cfg.MaxPageLimit); len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby, nil
}

func (s *listingService) FilterByRadius(listings []models.Listing, origin models.Coords, radiusKm float64) []models.Listing {
	return geo.FilterByRadius(listings, origin, radiusKm)
}

// AttachImage resizes an uploaded image, stores it and appends its URL to the listing.
func (s *listingService) AttachImage(ctx context.Context, id, actorID, filename string, data []byte) (*models.Listing, error) {
	if s.deps.Blobs == nil {
		return nil, fmt.Errorf("image storage is not configured")
	}
	listing, err := s.ownedListing(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if len(listing.Images) >= models.MaxListingImages {
		return nil, errs.Validation([]string{fmt.Sprintf("At most %d images are allowed", models.MaxListingImages)})
	}
	if maxBytes := s.cfg.ImageMaxSizeMB * 1024 * 1024; maxBytes > 0 && len(data) > maxBytes {
		return nil, errs.Validation([]string{fmt.Sprintf("Image exceeds %d MB", s.cfg.ImageMaxSizeMB)})
	}

	processed, contentType, err := storage.ResizeImage(data, s.cfg.ImageMaxDimension)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedImage) {
			return nil, errs.Validation([]string{"Image must be a JPEG or PNG"})
		}
		return nil, err
	}

	base := strings.TrimSuffix(filename, path.Ext(filename))
	key := fmt.Sprintf("listings/%s/%s_%s.jpg", id, models.NewID(), storage.SanitizeFilename(base))
	url, err := s.deps.Blobs.UploadBlob(ctx, processed, key, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image for listing %s: %w", id, err)
	}

	// The early count check is advisory; the conditional append is authoritative.
	updated, err := s.deps.Store.AppendImage(ctx, id, url, models.MaxListingImages, s.now())
	if errors.Is(err, errs.ErrInvalidState) {
		log.Printf("WARN: listing %s filled up during upload; %s is unreferenced", id, key)
		return nil, errs.Validation([]string{fmt.Sprintf("At most %d images are allowed", models.MaxListingImages)})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach image to listing %s: %w", id, err)
	}
	return updated, nil
}

// CompleteListing closes out a claimed listing. The donor or the claimant may complete it.
func (s *listingService) CompleteListing(ctx context.Context, id, actorID string) (*models.Listing, error) {
	listing, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != listing.DonorID && actorID != listing.ClaimedBy {
		return nil, errs.Forbidden("user %s cannot complete listing %s", actorID, id)
	}
	if listing.Status != models.ListingClaimed {
		return nil, errs.InvalidState("listing %s is %s, not claimed", id, listing.Status)
	}

	// The request is settled before the listing moves so a repair sweep never
	// sees an accepted request on a listing that is no longer claimed.
	now := s.now()
	settled := s.settleAcceptedRequest(ctx, id, listing.ClaimedBy, models.RequestCompleted, now)
	completed := models.ListingCompleted
	updated, err := s.deps.Store.UpdateListing(ctx, id, store.ListingUpdate{
		Status:    &completed,
		UpdatedAt: now,
		IfStatus:  []models.ListingStatus{models.ListingClaimed},
	})
	if err != nil {
		if current, ok := s.listingReached(ctx, id, models.ListingCompleted); ok {
			return current, nil
		}
		s.restoreAccepted(ctx, settled, models.RequestCompleted, now)
		return nil, fmt.Errorf("failed to complete listing %s: %w", id, err)
	}
	return updated, nil
}

// ReleaseClaim returns a claimed listing to available, e.g. when a pickup falls through.
// Only the donor may release. The claimant's request is rejected and the claimant
// leaves requested_by.
func (s *listingService) ReleaseClaim(ctx context.Context, id, actorID string) (*models.Listing, error) {
	listing, err := s.ownedListing(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingClaimed {
		return nil, errs.InvalidState("listing %s is %s, not claimed", id, listing.Status)
	}

	now := s.now()
	claimant := listing.ClaimedBy
	settled := s.settleAcceptedRequest(ctx, id, claimant, models.RequestRejected, now)
	available := models.ListingAvailable
	noClaimant := ""
	updated, err := s.deps.Store.UpdateListing(ctx, id, store.ListingUpdate{
		Status:    &available,
		ClaimedBy: &noClaimant,
		UpdatedAt: now,
		IfStatus:  []models.ListingStatus{models.ListingClaimed},
	})
	if err != nil {
		current, ok := s.listingReached(ctx, id, models.ListingAvailable)
		if !ok {
			s.restoreAccepted(ctx, settled, models.RequestRejected, now)
			return nil, fmt.Errorf("failed to release listing %s: %w", id, err)
		}
		updated = current
	}

	if _, err := s.deps.Store.RemoveRequester(ctx, id, claimant, now); err != nil {
		log.Printf("WARN: failed to remove released claimant %s from listing %s: %v", claimant, id, err)
	} else {
		updated.RequestedBy = removeString(updated.RequestedBy, claimant)
	}

	s.deps.Hook.Notify(ctx, notify.New(notify.EventRequestRejected, claimant, id, notify.Data{FoodTitle: listing.Title}))
	return updated, nil
}

// settleAcceptedRequest moves the claimant's accepted request to a final status
// and returns the ids it moved. A missing or already-settled request is not an error.
func (s *listingService) settleAcceptedRequest(ctx context.Context, listingID, requesterID string, to models.RequestStatus, now time.Time) []string {
	accepted, err := s.deps.Store.QueryRequests(ctx, store.RequestFilter{
		ListingIDs:  []string{listingID},
		RequesterID: requesterID,
		Statuses:    []models.RequestStatus{models.RequestAccepted},
	}, store.Query{})
	if err != nil {
		log.Printf("WARN: failed to find accepted request for listing %s: %v", listingID, err)
		return nil
	}
	var settled []string
	for _, r := range accepted {
		if _, err := s.deps.Store.TransitionRequest(ctx, r.ID, models.RequestAccepted, to, now); err != nil {
			log.Printf("WARN: failed to mark request %s %s: %v", r.ID, to, err)
			continue
		}
		settled = append(settled, r.ID)
	}
	return settled
}

// listingReached reports whether a listing write that returned an error was applied anyway.
func (s *listingService) listingReached(ctx context.Context, id string, status models.ListingStatus) (*models.Listing, bool) {
	current, err := s.deps.Store.GetListing(ctx, id)
	if err != nil || current.Status != status {
		return nil, false
	}
	return current, true
}

// restoreAccepted undoes settleAcceptedRequest after the listing write failed.
func (s *listingService) restoreAccepted(ctx context.Context, requestIDs []string, from models.RequestStatus, now time.Time) {
	for _, id := range requestIDs {
		if _, err := s.deps.Store.TransitionRequest(ctx, id, from, models.RequestAccepted, now); err != nil {
			log.Printf("CRITICAL: request %s is %s but its listing is still claimed; restore failed: %v", id, from, err)
		}
	}
}

// NotifyExpiring is run by the worker shortly before a listing expires.
func (s *listingService) NotifyExpiring(ctx context.Context, id string) error {
	listing, err := s.GetListing(ctx, id)
	if err != nil {
		return err
	}
	if listing.EffectiveStatus(s.now()) != models.ListingAvailable {
		return nil
	}
	s.deps.Hook.Notify(ctx, notify.New(notify.EventFoodExpiring, listing.DonorID, listing.ID, notify.Data{FoodTitle: listing.Title}))
	return nil
}

func removeString(items []string, target string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}
