// Package notify maps listing lifecycle events to user-facing messages and
// hands them to a Hook after each transition.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Event names a lifecycle transition that users are told about.
type Event string

const (
	EventFoodRequest     Event = "food_request"
	EventRequestAccepted Event = "request_accepted"
	EventRequestRejected Event = "request_rejected"
	EventFoodExpiring    Event = "food_expiring"
	EventNewMessage      Event = "new_message"
)

// Data carries the values interpolated into messages.
type Data struct {
	RequesterName string `json:"requester_name,omitempty"`
	FoodTitle     string `json:"food_title,omitempty"`
	SenderName    string `json:"sender_name,omitempty"`
}

// Format renders the message for event. Unknown events get a generic text.
func Format(event Event, data Data) string {
	switch event {
	case EventFoodRequest:
		return fmt.Sprintf("%s requested your food: %s", data.RequesterName, data.FoodTitle)
	case EventRequestAccepted:
		return fmt.Sprintf("Your request for %s has been accepted!", data.FoodTitle)
	case EventRequestRejected:
		return fmt.Sprintf("Your request for %s has been declined.", data.FoodTitle)
	case EventFoodExpiring:
		return fmt.Sprintf("Your food listing %q expires in 1 hour!", data.FoodTitle)
	case EventNewMessage:
		return fmt.Sprintf("New message from %s", data.SenderName)
	default:
		return "You have a new notification"
	}
}

// Notification is a formatted message addressed to one user.
type Notification struct {
	Event       Event     `json:"event"`
	RecipientID string    `json:"recipient_id"`
	ListingID   string    `json:"listing_id,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Data        Data      `json:"data"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// New builds a notification with its message already formatted.
func New(event Event, recipientID, listingID string, data Data) Notification {
	return Notification{
		Event:       event,
		RecipientID: recipientID,
		ListingID:   listingID,
		Data:        data,
		Message:     Format(event, data),
		CreatedAt:   time.Now().UTC(),
	}
}

// Hook receives notifications after a transition. Implementations must not block
// the caller for long and never report failure back to it.
type Hook interface {
	Notify(ctx context.Context, n Notification)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, n Notification)

func (f HookFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop discards notifications.
var Nop Hook = HookFunc(func(context.Context, Notification) {})

// LogHook writes notifications to the standard logger.
type LogHook struct{}

func (LogHook) Notify(_ context.Context, n Notification) {
	log.Printf("Notification %s -> %s: %s", n.Event, n.RecipientID, n.Message)
}
