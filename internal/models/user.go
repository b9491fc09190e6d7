package models

import (
	"time"
)

// Role is the side of the marketplace a user acts on.
type Role string

const (
	RoleDonor    Role = "donor"
	RoleReceiver Role = "receiver"
)

func (r Role) Valid() bool {
	return r == RoleDonor || r == RoleReceiver
}

// User is a user profile. Authentication lives outside this service.
type User struct {
	ID             string    `bson:"_id" json:"id"`
	Email          string    `bson:"email" json:"email"`
	Name           string    `bson:"name" json:"name"`
	Role           Role      `bson:"role" json:"role"`
	Phone          string    `bson:"phone,omitempty" json:"phone,omitempty"`
	ProfileImage   string    `bson:"profile_image,omitempty" json:"profile_image,omitempty"`
	IsVerified     bool      `bson:"is_verified" json:"is_verified"`
	Rating         float64   `bson:"rating" json:"rating"`
	TotalDonations int       `bson:"total_donations,omitempty" json:"total_donations,omitempty"`
	TotalReceived  int       `bson:"total_received,omitempty" json:"total_received,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

// DisplayName falls back to the raw id when no name is known.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
