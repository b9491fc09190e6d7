package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Sender delivers a notification to its recipient's inbox.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LoggingSender only logs notifications.
// Useful for development or when no inbox is configured.
type LoggingSender struct{}

func NewLoggingSender() Sender {
	return &LoggingSender{}
}

func (s *LoggingSender) Send(ctx context.Context, n Notification) error {
	log.Printf("--- Notification (Logged) --- to=%s event=%s listing=%s: %s", n.RecipientID, n.Event, n.ListingID, n.Message)
	return nil
}

// CompositeSender delegates sending to multiple Senders.
type CompositeSender struct {
	senders []Sender
}

// NewCompositeSender returns the concrete type so AddSender can be called directly.
func NewCompositeSender(senders ...Sender) *CompositeSender {
	return &CompositeSender{senders: senders}
}

// AddSender adds a sender to the composite sender's list.
func (cs *CompositeSender) AddSender(sender Sender) {
	if sender != nil {
		cs.senders = append(cs.senders, sender)
	}
}

// Send calls every registered sender and joins their errors.
func (cs *CompositeSender) Send(ctx context.Context, n Notification) error {
	if len(cs.senders) == 0 {
		return fmt.Errorf("no senders configured in CompositeSender")
	}

	var allErrors []string
	for _, sender := range cs.senders {
		if err := sender.Send(ctx, n); err != nil {
			allErrors = append(allErrors, err.Error())
		}
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("composite notification send failed: [ %s ]", strings.Join(allErrors, "; "))
	}
	return nil
}
