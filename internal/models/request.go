package models

import (
	"strings"
	"time"
)

// RequestStatus is the state of a receiver's claim attempt.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

// Active reports whether the status counts towards the one-open-request-per-pair rule.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestAccepted
}

// Terminal reports whether a request in this status may be deleted.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected
}

// Request is a receiver's claim attempt on a listing.
type Request struct {
	ID            string        `bson:"_id" json:"id"`
	ListingID     string        `bson:"listing_id" json:"listing_id"`
	RequesterID   string        `bson:"requester_id" json:"requester_id"`
	RequesterName string        `bson:"requester_name" json:"requester_name"`
	DonorID       string        `bson:"donor_id" json:"donor_id"`
	DonorName     string        `bson:"donor_name" json:"donor_name"`
	Message       string        `bson:"message,omitempty" json:"message,omitempty"`
	Status        RequestStatus `bson:"status" json:"status"`
	Active        bool          `bson:"active" json:"-"` // Backs the unique (listing_id, requester_id) index
	Synthetic     bool          `bson:"-" json:"synthetic"`
	CreatedAt     time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `bson:"updated_at" json:"updated_at"`
}

const syntheticPrefix = "synthetic:"

// SyntheticRequestID derives the id of a request inferred from Listing.RequestedBy.
func SyntheticRequestID(listingID, requesterID string) string {
	return syntheticPrefix + listingID + ":" + requesterID
}

// ParseSyntheticRequestID splits a synthetic id. ok is false for persisted ids.
func ParseSyntheticRequestID(id string) (listingID, requesterID string, ok bool) {
	rest, found := strings.CutPrefix(id, syntheticPrefix)
	if !found {
		return "", "", false
	}
	listingID, requesterID, found = strings.Cut(rest, ":")
	if !found || listingID == "" || requesterID == "" {
		return "", "", false
	}
	return listingID, requesterID, true
}

// IsSyntheticRequestID reports whether id was produced by SyntheticRequestID.
func IsSyntheticRequestID(id string) bool {
	_, _, ok := ParseSyntheticRequestID(id)
	return ok
}
