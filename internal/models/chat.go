package models

import (
	"time"
)

// MessageType is the payload kind of a chat message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
)

// ChatMessage is an entry in the append-only per-listing message log.
type ChatMessage struct {
	ID         string      `bson:"_id" json:"id"`
	ListingID  string      `bson:"listing_id" json:"listing_id"`
	SenderID   string      `bson:"sender_id" json:"sender_id"`
	SenderName string      `bson:"sender_name" json:"sender_name"`
	Message    string      `bson:"message" json:"message"`
	Type       MessageType `bson:"type" json:"type"`
	Timestamp  time.Time   `bson:"timestamp" json:"timestamp"`
}
