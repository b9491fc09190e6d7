package models

import (
	"time"
)

// FoodType is the dietary category of a listing.
type FoodType string

const (
	FoodTypeVeg    FoodType = "veg"
	FoodTypeNonVeg FoodType = "non-veg"
	FoodTypeVegan  FoodType = "vegan"
)

func (f FoodType) Valid() bool {
	switch f {
	case FoodTypeVeg, FoodTypeNonVeg, FoodTypeVegan:
		return true
	}
	return false
}

// ListingStatus is the persisted lifecycle state of a listing.
type ListingStatus string

const (
	ListingAvailable ListingStatus = "available"
	ListingRequested ListingStatus = "requested"
	ListingClaimed   ListingStatus = "claimed"
	ListingCompleted ListingStatus = "completed"
	ListingExpired   ListingStatus = "expired"
)

// listingTransitions is the only source of allowed status edges.
var listingTransitions = map[ListingStatus][]ListingStatus{
	ListingAvailable: {ListingRequested, ListingClaimed, ListingExpired},
	ListingRequested: {ListingAvailable, ListingClaimed, ListingExpired},
	ListingClaimed:   {ListingCompleted, ListingAvailable},
	ListingCompleted: nil,
	ListingExpired:   nil,
}

func (s ListingStatus) Valid() bool {
	_, ok := listingTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is adjacent to s in the transition table.
func (s ListingStatus) CanTransitionTo(next ListingStatus) bool {
	for _, allowed := range listingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s ListingStatus) Terminal() bool {
	return s.Valid() && len(listingTransitions[s]) == 0
}

// MaxListingImages is the maximum number of images attached to a listing.
const MaxListingImages = 3

// PickupLocation is where the food is collected.
type PickupLocation struct {
	Latitude  float64  `bson:"latitude" json:"latitude"`
	Longitude float64  `bson:"longitude" json:"longitude"`
	Address   string   `bson:"address" json:"address"`
	Point     *GeoJSON `bson:"point,omitempty" json:"-"` // Indexed copy for 2dsphere queries
}

// Listing represents a food-sharing offer.
type Listing struct {
	ID             string         `bson:"_id" json:"id"`
	DonorID        string         `bson:"donor_id" json:"donor_id"`
	DonorName      string         `bson:"donor_name" json:"donor_name"`     // Snapshot at creation
	DonorRating    float64        `bson:"donor_rating" json:"donor_rating"` // Snapshot at creation
	Title          string         `bson:"title" json:"title"`
	Description    string         `bson:"description" json:"description"`
	FoodType       FoodType       `bson:"food_type" json:"food_type"`
	Quantity       int            `bson:"quantity" json:"quantity"` // Servings
	ExpiryTime     time.Time      `bson:"expiry_time" json:"expiry_time"`
	PickupLocation PickupLocation `bson:"pickup_location" json:"pickup_location"`
	Images         []string       `bson:"images" json:"images"`
	Status         ListingStatus  `bson:"status" json:"status"`
	ClaimedBy      string         `bson:"claimed_by,omitempty" json:"claimed_by,omitempty"`
	RequestedBy    []string       `bson:"requested_by" json:"requested_by"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the listing's expiry has passed at now.
func (l *Listing) IsExpired(now time.Time) bool {
	return now.After(l.ExpiryTime)
}

// EffectiveStatus derives expiry lazily: an open listing past its expiry reads as expired.
func (l *Listing) EffectiveStatus(now time.Time) ListingStatus {
	if (l.Status == ListingAvailable || l.Status == ListingRequested) && l.IsExpired(now) {
		return ListingExpired
	}
	return l.Status
}

// DisplayStatus additionally surfaces "requested" for an available listing that has requesters.
// It is never persisted.
func (l *Listing) DisplayStatus(now time.Time) ListingStatus {
	s := l.EffectiveStatus(now)
	if s == ListingAvailable && len(l.RequestedBy) > 0 {
		return ListingRequested
	}
	return s
}

// HasRequester reports whether userID is in RequestedBy.
func (l *Listing) HasRequester(userID string) bool {
	for _, id := range l.RequestedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ListingDraft is the donor-supplied input for a new listing.
type ListingDraft struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	FoodType       FoodType       `json:"food_type"`
	Quantity       int            `json:"quantity"`
	ExpiryTime     time.Time      `json:"expiry_time"`
	PickupLocation PickupLocation `json:"pickup_location"`
	Images         []string       `json:"images"`
}

// ListingPatch is a partial update; nil fields are left untouched.
type ListingPatch struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	FoodType       *FoodType       `json:"food_type,omitempty"`
	Quantity       *int            `json:"quantity,omitempty"`
	ExpiryTime     *time.Time      `json:"expiry_time,omitempty"`
	PickupLocation *PickupLocation `json:"pickup_location,omitempty"`
	Images         []string        `json:"images,omitempty"`
	Status         *ListingStatus  `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ListingPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.FoodType == nil && p.Quantity == nil &&
		p.ExpiryTime == nil && p.PickupLocation == nil && p.Images == nil && p.Status == nil
}
