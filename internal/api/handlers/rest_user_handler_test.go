package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/api/handlers"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/services"
)

func TestRestUserHandler_GetUserByID(t *testing.T) {
	users := new(MockUserService)
	h := handlers.NewRestUserHandler(users, new(MockRatingService), nil)

	u := &models.User{
		ID:        "donor-1",
		Name:      "Asha",
		Email:     "asha@example.com",
		Role:      models.RoleDonor,
		Rating:    4.5,
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	users.On("FindByID", mock.Anything, "donor-1").Return(u, nil)
	users.On("FindByID", mock.Anything, "ghost").Return(nil, errs.NotFound("user", "ghost"))

	t.Run("public view hides contact details", func(t *testing.T) {
		r := newRouter("recv-1")
		r.GET("/v1/users/:id", h.GetUserByID)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/donor-1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Asha", body["name"])
		assert.Equal(t, "2024-05-01", body["date_joined"])
		assert.NotContains(t, body, "email")
	})

	t.Run("own profile is complete", func(t *testing.T) {
		r := newRouter("donor-1")
		r.GET("/v1/users/:id", h.GetUserByID)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/donor-1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "asha@example.com", decode(t, w)["email"])
	})

	t.Run("unknown user", func(t *testing.T) {
		r := newRouter("recv-1")
		r.GET("/v1/users/:id", h.GetUserByID)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/ghost", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRestUserHandler_UpdateProfile(t *testing.T) {
	users := new(MockUserService)
	h := handlers.NewRestUserHandler(users, new(MockRatingService), nil)
	r := newRouter("recv-1")
	r.PUT("/v1/users/me", h.UpdateProfile)

	users.On("UpdateProfile", mock.Anything, "recv-1", mock.MatchedBy(func(u services.ProfileUpdate) bool {
		return u.Name != nil && *u.Name == "Ravi" && u.Email == nil
	})).Return(&models.User{ID: "recv-1", Name: "Ravi"}, nil).Once()
	users.On("UpdateProfile", mock.Anything, "recv-1", mock.Anything).
		Return(nil, errs.Validation([]string{"Email is invalid"})).Once()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/users/me", strings.NewReader(`{"name":"Ravi"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/users/me", strings.NewReader(`{"email":"nope"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{"Email is invalid"}, decode(t, w)["problems"])
	users.AssertExpectations(t)
}

func TestRestUserHandler_Ratings(t *testing.T) {
	ratings := new(MockRatingService)
	h := handlers.NewRestUserHandler(new(MockUserService), ratings, nil)
	r := newRouter("recv-1")
	r.POST("/v1/ratings", h.RateUser)
	r.GET("/v1/users/:id/ratings", h.ListRatings)

	input := services.RatingInput{ListingID: "l1", RatedUserID: "donor-1", Rating: 5, Comment: "Lovely"}
	ratings.On("RateUser", mock.Anything, "recv-1", input).Return(&models.Rating{ID: "rt1", Rating: 5, Type: models.RoleDonor}, nil)
	ratings.On("ListRatings", mock.Anything, "donor-1", services.Page{}).Return([]models.Rating{{ID: "rt1"}}, "", nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ratings",
		strings.NewReader(`{"listing_id":"l1","rated_user_id":"donor-1","rating":5,"comment":"Lovely"}`)))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "donor", decode(t, w)["type"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/donor-1/ratings", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)
	ratings.AssertExpectations(t)
}

func TestRestUserHandler_ListNotifications(t *testing.T) {
	var gotLimit int
	inbox := func(_ context.Context, userID string, limit int) ([]notify.Notification, error) {
		gotLimit = limit
		return []notify.Notification{notify.New(notify.EventRequestAccepted, userID, "l1", notify.Data{FoodTitle: "Idli"})}, nil
	}
	h := handlers.NewRestUserHandler(new(MockUserService), new(MockRatingService), inbox)
	r := newRouter("recv-1")
	r.GET("/v1/notifications", h.ListNotifications)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, gotLimit)
	assert.Len(t, decode(t, w)["data"], 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noInbox := handlers.NewRestUserHandler(new(MockUserService), new(MockRatingService), nil)
	r = newRouter("recv-1")
	r.GET("/v1/notifications", noInbox.ListNotifications)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["data"])
}
