// Package store defines the document-store operations the listing and request
// services are built on. Implementations live in memstore and mongostore.
//
// Every implementation must honour the conditional-write contracts below, since
// they are what serialize concurrent accepts and deduplicate requests.
package store

import (
	"context"
	"time"

	"foodbridge/core/internal/models"
)

// Cursor marks the last item of a page in (created_at desc, id desc) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether an item with (createdAt, id) sorts after the cursor,
// i.e. belongs to the next page.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Query bounds a read. Limit <= 0 means unbounded.
type Query struct {
	Limit int
	After *Cursor
}

// NearFilter is an optional coarse geo prefilter. Callers still run geo.FilterByRadius.
type NearFilter struct {
	Origin   models.Coords
	RadiusKm float64
}

// ListingFilter selects listings. Zero values match everything.
type ListingFilter struct {
	DonorID      string
	Statuses     []models.ListingStatus
	ExpiresAfter *time.Time
	Near         *NearFilter
}

// ListingUpdate is a merge update. Nil fields are left untouched.
// When IfStatus is non-empty the write only applies if the stored status is one of
// them, otherwise the update fails with errs.ErrInvalidState and nothing changes.
type ListingUpdate struct {
	Title          *string
	Description    *string
	FoodType       *models.FoodType
	Quantity       *int
	ExpiryTime     *time.Time
	PickupLocation *models.PickupLocation
	Images         []string
	Status         *models.ListingStatus
	ClaimedBy      *string // Empty string clears the claimant
	UpdatedAt      time.Time

	IfStatus []models.ListingStatus
}

// ListingStore owns listing documents.
type ListingStore interface {
	InsertListing(ctx context.Context, l *models.Listing) error
	// GetListing fails with errs.ErrNotFound when absent.
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	// QueryListings orders by created_at desc, ties by id desc.
	QueryListings(ctx context.Context, f ListingFilter, q Query) ([]models.Listing, error)
	UpdateListing(ctx context.Context, id string, u ListingUpdate) (*models.Listing, error)
	DeleteListing(ctx context.Context, id string) error
	// AppendImage adds url to the listing's images while it holds fewer than limit;
	// a full listing fails with errs.ErrInvalidState.
	AppendImage(ctx context.Context, id, url string, limit int, now time.Time) (*models.Listing, error)
	// AddRequester has set semantics: adding a present id only bumps updated_at.
	AddRequester(ctx context.Context, listingID, requesterID string, now time.Time) error
	// RemoveRequester reports whether the id was present.
	RemoveRequester(ctx context.Context, listingID, requesterID string, now time.Time) (bool, error)
}

// RequestFilter selects requests. Zero values match everything.
type RequestFilter struct {
	ListingIDs  []string
	RequesterID string
	DonorID     string
	Statuses    []models.RequestStatus
}

// RequestStore owns persisted requests.
type RequestStore interface {
	// InsertRequest fails with errs.ErrDuplicateRequest when an active request
	// (pending or accepted) already exists for the same listing and requester.
	InsertRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	QueryRequests(ctx context.Context, f RequestFilter, q Query) ([]models.Request, error)
	// TransitionRequest moves from -> to atomically; fails with errs.ErrInvalidState
	// if the stored status is not from.
	TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, now time.Time) (*models.Request, error)
	DeleteRequest(ctx context.Context, id string) error
	// DeleteRequestsForListing removes every request on the listing and returns the count.
	DeleteRequestsForListing(ctx context.Context, listingID string) (int, error)
}

// UserDirectory resolves user profiles.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
}

// RatingStore keeps raw ratings.
type RatingStore interface {
	// InsertRating fails with errs.ErrInvalidState if the rater already rated that user for that listing.
	InsertRating(ctx context.Context, r *models.Rating) error
	QueryRatings(ctx context.Context, ratedUserID string, q Query) ([]models.Rating, error)
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// MessageLog is the append-only chat log keyed by listing.
type MessageLog interface {
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	// ListMessages returns the latest limit messages in ascending timestamp order.
	ListMessages(ctx context.Context, listingID string, limit int) ([]models.ChatMessage, error)
	// Subscribe calls fn for every message appended to listingID until unsubscribed
	// or ctx is done.
	Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (Unsubscribe, error)
}

// BlobStore persists binary attachments.
type BlobStore interface {
	UploadBlob(ctx context.Context, data []byte, path, contentType string) (string, error)
}

// Store is the full document store.
type Store interface {
	ListingStore
	RequestStore
	UserDirectory
	RatingStore
	MessageLog
}
