package models

import (
	"time"
)

// Rating is a raw 1-5 score left by one party of a listing for the other.
// Aggregation is not done here.
type Rating struct {
	ID          string    `bson:"_id" json:"id"`
	ListingID   string    `bson:"listing_id" json:"listing_id"`
	RaterID     string    `bson:"rater_id" json:"rater_id"`
	RatedUserID string    `bson:"rated_user_id" json:"rated_user_id"`
	Rating      int       `bson:"rating" json:"rating"`
	Comment     string    `bson:"comment,omitempty" json:"comment,omitempty"`
	Type        Role      `bson:"type" json:"type"` // Role of the rated user on this listing
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}
