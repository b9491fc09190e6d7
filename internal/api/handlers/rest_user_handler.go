package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/services"
)

// InboxReader returns a user's most recent notifications, newest first.
type InboxReader func(ctx context.Context, userID string, limit int) ([]notify.Notification, error)

// RestUserHandler handles REST requests related to users, their ratings and notifications.
type RestUserHandler struct {
	userService   services.IUserService
	ratingService services.IRatingService
	inbox         InboxReader
}

// NewRestUserHandler creates a new RestUserHandler. inbox may be nil when no inbox is configured.
func NewRestUserHandler(userService services.IUserService, ratingService services.IRatingService, inbox InboxReader) *RestUserHandler {
	return &RestUserHandler{
		userService:   userService,
		ratingService: ratingService,
		inbox:         inbox,
	}
}

// PublicUser represents the data returned for another user's profile.
type PublicUser struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Role         models.Role `json:"role"`
	ProfileImage string      `json:"profile_image,omitempty"`
	IsVerified   bool        `json:"is_verified"`
	Rating       float64     `json:"rating"`
	DateJoined   string      `json:"date_joined"`
}

// GetUserByID handles GET /v1/users/:id. The caller sees their full profile; others see the public part.
func (h *RestUserHandler) GetUserByID(c *gin.Context) {
	userID := c.Param("id")
	user, err := h.userService.FindByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "Failed to retrieve user")
		return
	}

	if userID == middleware.UserID(c) {
		c.JSON(http.StatusOK, user)
		return
	}
	c.JSON(http.StatusOK, PublicUser{
		ID:           user.ID,
		Name:         user.DisplayName(),
		Role:         user.Role,
		ProfileImage: user.ProfileImage,
		IsVerified:   user.IsVerified,
		Rating:       user.Rating,
		DateJoined:   user.CreatedAt.Format("2006-01-02"),
	})
}

// UpdateProfile handles PUT /v1/users/me
func (h *RestUserHandler) UpdateProfile(c *gin.Context) {
	var update services.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	user, err := h.userService.UpdateProfile(c.Request.Context(), middleware.UserID(c), update)
	if err != nil {
		respondError(c, err, "Failed to update profile")
		return
	}
	c.JSON(http.StatusOK, user)
}

// RateUser handles POST /v1/ratings
func (h *RestUserHandler) RateUser(c *gin.Context) {
	var input services.RatingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	rating, err := h.ratingService.RateUser(c.Request.Context(), middleware.UserID(c), input)
	if err != nil {
		respondError(c, err, "Failed to save rating")
		return
	}
	c.JSON(http.StatusCreated, rating)
}

// ListRatings handles GET /v1/users/:id/ratings
func (h *RestUserHandler) ListRatings(c *gin.Context) {
	ratings, next, err := h.ratingService.ListRatings(c.Request.Context(), c.Param("id"), pageFromQuery(c))
	if err != nil {
		respondError(c, err, "Failed to list ratings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ratings, "next_cursor": next})
}

// ListNotifications handles GET /v1/notifications?limit=
func (h *RestUserHandler) ListNotifications(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusOK, gin.H{"data": []notify.Notification{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'limit' must be between 1 and 100"})
		return
	}
	items, err := h.inbox(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		respondError(c, err, "Failed to read notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}
