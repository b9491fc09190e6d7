package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/api/handlers"
	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/services"
	"foodbridge/core/internal/store/memstore"
)

func TestRestChatHandler_SendAndList(t *testing.T) {
	chat := new(MockChatService)
	h := handlers.NewRestChatHandler(chat)
	r := newRouter("recv-1")
	r.POST("/v1/listings/:id/messages", h.SendMessage)
	r.GET("/v1/listings/:id/messages", h.ListMessages)

	chat.On("SendMessage", mock.Anything, "l1", "recv-1", "On my way", models.MessageType("")).
		Return(&models.ChatMessage{ID: "m1", Message: "On my way", Type: models.MessageText}, nil)
	chat.On("ListMessages", mock.Anything, "l1", "recv-1", 20).
		Return([]models.ChatMessage{{ID: "m1"}}, nil)
	chat.On("ListMessages", mock.Anything, "l2", "recv-1", 0).
		Return(nil, errs.Forbidden("not a participant of this listing"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/listings/l1/messages", strings.NewReader(`{"message":"On my way"}`)))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "text", decode(t, w)["type"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/listings/l1/messages?limit=20", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/listings/l2/messages", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	chat.AssertExpectations(t)
}

func TestRestChatHandler_Stream(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	cfg := config.Defaults()
	deps := services.Deps{Store: s}
	listings := services.NewListingService(deps, cfg)
	requests := services.NewRequestService(deps, cfg)
	chat := services.NewChatService(deps, cfg)

	l, err := listings.CreateListing(ctx, "donor-1", models.ListingDraft{
		Title:          "Idli",
		Description:    "Two dozen",
		FoodType:       models.FoodTypeVeg,
		Quantity:       24,
		ExpiryTime:     time.Now().Add(3 * time.Hour),
		PickupLocation: models.PickupLocation{Latitude: 12.9, Longitude: 77.6, Address: "Indiranagar"},
	})
	require.NoError(t, err)
	_, err = requests.CreateRequest(ctx, l.ID, "recv-1", "")
	require.NoError(t, err)

	h := handlers.NewRestChatHandler(chat)
	r := newRouter("recv-1")
	r.GET("/v1/listings/:id/messages/ws", h.Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listings/" + l.ID + "/messages/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "Reaching in 10 minutes"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.ChatMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "Reaching in 10 minutes", got.Message)
	assert.Equal(t, "recv-1", got.SenderID)

	stored, err := chat.ListMessages(ctx, l.ID, "donor-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	// Outsiders get a plain HTTP error instead of an upgrade.
	outsider := newRouter("recv-2")
	outsider.GET("/v1/listings/:id/messages/ws", h.Stream)
	w := httptest.NewRecorder()
	outsider.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/listings/"+l.ID+"/messages/ws", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
