package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
)

// IRatingService stores raw ratings between the two parties of a completed listing.
type IRatingService interface {
	RateUser(ctx context.Context, raterID string, input RatingInput) (*models.Rating, error)
	ListRatings(ctx context.Context, ratedUserID string, page Page) ([]models.Rating, string, error)
}

// RatingInput is the rater-supplied part of a rating.
type RatingInput struct {
	ListingID   string `json:"listing_id"`
	RatedUserID string `json:"rated_user_id"`
	Rating      int    `json:"rating"`
	Comment     string `json:"comment"`
}

const maxCommentLength = 1000

type ratingService struct {
	deps Deps
	cfg  *config.Config
}

// NewRatingService creates a new RatingService.
func NewRatingService(deps Deps, cfg *config.Config) IRatingService {
	return &ratingService{deps: deps.withDefaults(), cfg: cfg}
}

// RateUser records one rating per rater, rated user and listing. Only the donor and
// the claimant of a completed listing may rate each other.
func (s *ratingService) RateUser(ctx context.Context, raterID string, input RatingInput) (*models.Rating, error) {
	input.Comment = strings.TrimSpace(input.Comment)

	var problems []string
	if input.ListingID == "" {
		problems = append(problems, "Listing is required")
	}
	if input.RatedUserID == "" {
		problems = append(problems, "Rated user is required")
	}
	if input.Rating < 1 || input.Rating > 5 {
		problems = append(problems, "Rating must be between 1 and 5")
	}
	if len(input.Comment) > maxCommentLength {
		problems = append(problems, fmt.Sprintf("Comment must be at most %d characters", maxCommentLength))
	}
	if input.RatedUserID != "" && input.RatedUserID == raterID {
		problems = append(problems, "Users cannot rate themselves")
	}
	if err := errs.Validation(problems); err != nil {
		return nil, err
	}

	var listing *models.Listing
	err := read(s.cfg, func() error {
		var err error
		listing, err = s.deps.Store.GetListing(ctx, input.ListingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingCompleted {
		return nil, errs.InvalidState("listing %s is %s, not completed", listing.ID, listing.Status)
	}

	parties := map[string]models.Role{
		listing.DonorID:   models.RoleDonor,
		listing.ClaimedBy: models.RoleReceiver,
	}
	if _, ok := parties[raterID]; !ok {
		return nil, errs.Forbidden("user %s took no part in listing %s", raterID, listing.ID)
	}
	ratedRole, ok := parties[input.RatedUserID]
	if !ok {
		return nil, errs.Forbidden("user %s took no part in listing %s", input.RatedUserID, listing.ID)
	}

	rating := &models.Rating{
		ID:          models.NewID(),
		ListingID:   listing.ID,
		RaterID:     raterID,
		RatedUserID: input.RatedUserID,
		Rating:      input.Rating,
		Comment:     input.Comment,
		Type:        ratedRole,
		CreatedAt:   s.deps.Clock(),
	}
	if err := s.deps.Store.InsertRating(ctx, rating); err != nil {
		return nil, err
	}
	return rating, nil
}

// ListRatings returns ratings received by a user, newest first.
func (s *ratingService) ListRatings(ctx context.Context, ratedUserID string, page Page) ([]models.Rating, string, error) {
	q, err := storeQuery(s.cfg, page)
	if err != nil {
		return nil, "", err
	}
	var ratings []models.Rating
	err = read(s.cfg, func() error {
		var err error
		ratings, err = s.deps.Store.QueryRatings(ctx, ratedUserID, q)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load ratings of %s: %w", ratedUserID, err)
	}
	return ratings, nextCursor(ratings, q.Limit, func(r models.Rating) (time.Time, string) { return r.CreatedAt, r.ID }), nil
}
