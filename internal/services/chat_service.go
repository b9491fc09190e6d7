package services

import (
	"context"
	"fmt"
	"strings"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/store"
)

// IChatService is the per-listing message log between a donor and the receivers
// involved with the listing.
type IChatService interface {
	SendMessage(ctx context.Context, listingID, senderID, text string, kind models.MessageType) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, listingID, actorID string, limit int) ([]models.ChatMessage, error)
	// Subscribe delivers messages appended after the call until unsubscribed or ctx is done.
	Subscribe(ctx context.Context, listingID, actorID string, fn func(models.ChatMessage)) (store.Unsubscribe, error)
}

const maxChatMessageLength = 2000

type chatService struct {
	deps Deps
	cfg  *config.Config
}

// NewChatService creates a new ChatService.
func NewChatService(deps Deps, cfg *config.Config) IChatService {
	return &chatService{deps: deps.withDefaults(), cfg: cfg}
}

// participant loads the listing and checks that actorID may read or write its chat:
// the donor, the claimant or anyone who requested it.
func (s *chatService) participant(ctx context.Context, listingID, actorID string) (*models.Listing, error) {
	var listing *models.Listing
	err := read(s.cfg, func() error {
		var err error
		listing, err = s.deps.Store.GetListing(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if actorID == listing.DonorID || actorID == listing.ClaimedBy || listing.HasRequester(actorID) {
		return listing, nil
	}
	return nil, errs.Forbidden("user %s is not part of the chat of listing %s", actorID, listingID)
}

// SendMessage appends to the log and tells the other side.
func (s *chatService) SendMessage(ctx context.Context, listingID, senderID, text string, kind models.MessageType) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if kind == "" {
		kind = models.MessageText
	}
	var problems []string
	if text == "" {
		problems = append(problems, "Message is required")
	}
	if len(text) > maxChatMessageLength {
		problems = append(problems, fmt.Sprintf("Message must be at most %d characters", maxChatMessageLength))
	}
	switch kind {
	case models.MessageText, models.MessageImage, models.MessageLocation:
	default:
		problems = append(problems, "Message type must be one of text, image, location")
	}
	if err := errs.Validation(problems); err != nil {
		return nil, err
	}

	listing, err := s.participant(ctx, listingID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &models.ChatMessage{
		ID:         models.NewID(),
		ListingID:  listingID,
		SenderID:   senderID,
		SenderName: resolveName(ctx, s.deps, senderID),
		Message:    text,
		Type:       kind,
		Timestamp:  s.deps.Clock(),
	}
	if err := s.deps.Store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message to listing %s: %w", listingID, err)
	}

	for _, recipient := range counterparts(listing, senderID) {
		s.deps.Hook.Notify(ctx, notify.New(notify.EventNewMessage, recipient, listingID, notify.Data{SenderName: msg.SenderName}))
	}
	return msg, nil
}

// counterparts are told about a message: the donor hears from everyone, receivers
// hear from the donor. Once claimed, only the claimant talks to the donor.
func counterparts(listing *models.Listing, senderID string) []string {
	if senderID != listing.DonorID {
		return []string{listing.DonorID}
	}
	if listing.ClaimedBy != "" {
		return []string{listing.ClaimedBy}
	}
	return append([]string(nil), listing.RequestedBy...)
}

// ListMessages returns the latest messages in ascending order.
func (s *chatService) ListMessages(ctx context.Context, listingID, actorID string, limit int) ([]models.ChatMessage, error) {
	if _, err := s.participant(ctx, listingID, actorID); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, s.cfg.DefaultPageLimit, s.cfg.MaxPageLimit)
	var messages []models.ChatMessage
	err := read(s.cfg, func() error {
		var err error
		messages, err = s.deps.Store.ListMessages(ctx, listingID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of listing %s: %w", listingID, err)
	}
	return messages, nil
}

func (s *chatService) Subscribe(ctx context.Context, listingID, actorID string, fn func(models.ChatMessage)) (store.Unsubscribe, error) {
	if _, err := s.participant(ctx, listingID, actorID); err != nil {
		return nil, err
	}
	return s.deps.Store.Subscribe(ctx, listingID, fn)
}
