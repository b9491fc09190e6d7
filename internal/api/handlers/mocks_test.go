package handlers_test

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"

	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/geo"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/services"
	"foodbridge/core/internal/store"
	"foodbridge/core/internal/tasks"
)

// --- Mocks ---

// MockListingService
type MockListingService struct {
	mock.Mock
}

func (m *MockListingService) listing(args mock.Arguments) (*models.Listing, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) CreateListing(ctx context.Context, donorID string, draft models.ListingDraft) (*models.Listing, error) {
	return m.listing(m.Called(ctx, donorID, draft))
}
func (m *MockListingService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	return m.listing(m.Called(ctx, id))
}
func (m *MockListingService) UpdateListing(ctx context.Context, id, actorID string, patch models.ListingPatch) (*models.Listing, error) {
	return m.listing(m.Called(ctx, id, actorID, patch))
}
func (m *MockListingService) DeleteListing(ctx context.Context, id, actorID string) error {
	return m.Called(ctx, id, actorID).Error(0)
}
func (m *MockListingService) ListByDonor(ctx context.Context, donorID string, page services.Page) ([]models.Listing, string, error) {
	args := m.Called(ctx, donorID, page)
	return args.Get(0).([]models.Listing), args.String(1), args.Error(2)
}
func (m *MockListingService) ListAvailable(ctx context.Context, page services.Page) ([]models.Listing, string, error) {
	args := m.Called(ctx, page)
	return args.Get(0).([]models.Listing), args.String(1), args.Error(2)
}
func (m *MockListingService) ListNearby(ctx context.Context, origin models.Coords, radiusKm float64, page services.Page) ([]geo.ListingDistance, error) {
	args := m.Called(ctx, origin, radiusKm, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]geo.ListingDistance), args.Error(1)
}
func (m *MockListingService) FilterByRadius(listings []models.Listing, origin models.Coords, radiusKm float64) []models.Listing {
	return m.Called(listings, origin, radiusKm).Get(0).([]models.Listing)
}
func (m *MockListingService) AttachImage(ctx context.Context, id, actorID, filename string, data []byte) (*models.Listing, error) {
	return m.listing(m.Called(ctx, id, actorID, filename, data))
}
func (m *MockListingService) CompleteListing(ctx context.Context, id, actorID string) (*models.Listing, error) {
	return m.listing(m.Called(ctx, id, actorID))
}
func (m *MockListingService) ReleaseClaim(ctx context.Context, id, actorID string) (*models.Listing, error) {
	return m.listing(m.Called(ctx, id, actorID))
}
func (m *MockListingService) NotifyExpiring(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// MockRequestService
type MockRequestService struct {
	mock.Mock
}

func (m *MockRequestService) request(args mock.Arguments) (*models.Request, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Request), args.Error(1)
}

func (m *MockRequestService) requests(args mock.Arguments) ([]models.Request, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Request), args.Error(1)
}

func (m *MockRequestService) CreateRequest(ctx context.Context, listingID, requesterID, message string) (*models.Request, error) {
	return m.request(m.Called(ctx, listingID, requesterID, message))
}
func (m *MockRequestService) ListIncomingForDonor(ctx context.Context, donorID string) ([]models.Request, error) {
	return m.requests(m.Called(ctx, donorID))
}
func (m *MockRequestService) ListForListing(ctx context.Context, listingID, actorID string) ([]models.Request, error) {
	return m.requests(m.Called(ctx, listingID, actorID))
}
func (m *MockRequestService) ListForRequester(ctx context.Context, requesterID string, page services.Page) ([]models.Request, string, error) {
	args := m.Called(ctx, requesterID, page)
	return args.Get(0).([]models.Request), args.String(1), args.Error(2)
}
func (m *MockRequestService) AcceptRequest(ctx context.Context, requestID, actorID string) (*models.Request, error) {
	return m.request(m.Called(ctx, requestID, actorID))
}
func (m *MockRequestService) RejectRequest(ctx context.Context, requestID, actorID string) (*models.Request, error) {
	return m.request(m.Called(ctx, requestID, actorID))
}
func (m *MockRequestService) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	return m.Called(ctx, requestID, actorID).Error(0)
}
func (m *MockRequestService) RepairAcceptedRequests(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockRequestService) RepairRequest(ctx context.Context, requestID string) (bool, error) {
	args := m.Called(ctx, requestID)
	return args.Bool(0), args.Error(1)
}

// MockUserService
type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) UpdateProfile(ctx context.Context, userID string, update services.ProfileUpdate) (*models.User, error) {
	args := m.Called(ctx, userID, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

// MockRatingService
type MockRatingService struct {
	mock.Mock
}

func (m *MockRatingService) RateUser(ctx context.Context, raterID string, input services.RatingInput) (*models.Rating, error) {
	args := m.Called(ctx, raterID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Rating), args.Error(1)
}
func (m *MockRatingService) ListRatings(ctx context.Context, ratedUserID string, page services.Page) ([]models.Rating, string, error) {
	args := m.Called(ctx, ratedUserID, page)
	return args.Get(0).([]models.Rating), args.String(1), args.Error(2)
}

// MockChatService
type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) SendMessage(ctx context.Context, listingID, senderID, text string, kind models.MessageType) (*models.ChatMessage, error) {
	args := m.Called(ctx, listingID, senderID, text, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatMessage), args.Error(1)
}
func (m *MockChatService) ListMessages(ctx context.Context, listingID, actorID string, limit int) ([]models.ChatMessage, error) {
	args := m.Called(ctx, listingID, actorID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}
func (m *MockChatService) Subscribe(ctx context.Context, listingID, actorID string, fn func(models.ChatMessage)) (store.Unsubscribe, error) {
	args := m.Called(ctx, listingID, actorID, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(store.Unsubscribe), args.Error(1)
}

// MockUploader
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) GeneratePresignedPutURL(ctx context.Context, userID, listingID, filename, contentType string) (string, string, error) {
	args := m.Called(ctx, userID, listingID, filename, contentType)
	return args.String(0), args.String(1), args.Error(2)
}

// MockImageQueue
type MockImageQueue struct {
	mock.Mock
}

func (m *MockImageQueue) EnqueueImageProcess(ctx context.Context, p tasks.ImageTaskPayload) error {
	return m.Called(ctx, p).Error(0)
}

// --- Helpers ---

// asUser stands in for AuthMiddleware.
func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyUserID, userID)
		c.Next()
	}
}

func newRouter(userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if userID != "" {
		r.Use(asUser(userID))
	}
	return r
}
