package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by CORS on the REST routes; tokens gate the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RestChatHandler handles the per-listing chat.
type RestChatHandler struct {
	chatService services.IChatService
}

// NewRestChatHandler creates a new RestChatHandler.
func NewRestChatHandler(chatService services.IChatService) *RestChatHandler {
	return &RestChatHandler{chatService: chatService}
}

type sendMessageBody struct {
	Message string             `json:"message"`
	Type    models.MessageType `json:"type"`
}

// SendMessage handles POST /v1/listings/:id/messages
func (h *RestChatHandler) SendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	msg, err := h.chatService.SendMessage(c.Request.Context(), c.Param("id"), middleware.UserID(c), body.Message, body.Type)
	if err != nil {
		respondError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages handles GET /v1/listings/:id/messages?limit=
func (h *RestChatHandler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.chatService.ListMessages(c.Request.Context(), c.Param("id"), middleware.UserID(c), limit)
	if err != nil {
		respondError(c, err, "Failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

// Stream handles GET /v1/listings/:id/messages/ws. Messages written by the
// client are sent as the caller; every message on the listing is pushed back.
func (h *RestChatHandler) Stream(c *gin.Context) {
	listingID := c.Param("id")
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	// Check participation before upgrading so the error is a normal HTTP response.
	if _, err := h.chatService.ListMessages(ctx, listingID, userID, 1); err != nil {
		respondError(c, err, "Failed to open chat")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade failed for %s on listing %s: %v", userID, listingID, err)
		return
	}
	defer conn.Close()

	send := make(chan models.ChatMessage, wsSendBuffer)
	unsubscribe, err := h.chatService.Subscribe(ctx, listingID, userID, func(m models.ChatMessage) {
		select {
		case send <- m:
		default:
			log.Printf("WARN: chat client %s on listing %s is slow, dropping message %s", userID, listingID, m.ID)
		}
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(wsWriteWait))
		return
	}
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readPump(c, conn, listingID, userID)
	}()
	h.writePump(conn, send, done)
}

func (h *RestChatHandler) readPump(c *gin.Context, conn *websocket.Conn, listingID, userID string) {
	conn.SetReadLimit(8 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var body sendMessageBody
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WARN: chat socket for %s on listing %s closed: %v", userID, listingID, err)
			}
			return
		}
		if _, err := h.chatService.SendMessage(c.Request.Context(), listingID, userID, body.Message, body.Type); err != nil {
			log.Printf("WARN: chat message from %s on listing %s rejected: %v", userID, listingID, err)
		}
	}
}

func (h *RestChatHandler) writePump(conn *websocket.Conn, send <-chan models.ChatMessage, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case m := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
