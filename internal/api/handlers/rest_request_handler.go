package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/services"
)

// RestRequestHandler handles REST requests for claim requests.
type RestRequestHandler struct {
	requestService services.IRequestService
}

// NewRestRequestHandler creates a new RestRequestHandler.
func NewRestRequestHandler(requestService services.IRequestService) *RestRequestHandler {
	return &RestRequestHandler{requestService: requestService}
}

// CreateRequest handles POST /v1/listings/:id/requests
func (h *RestRequestHandler) CreateRequest(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	// An empty body is a request without a message.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	request, err := h.requestService.CreateRequest(c.Request.Context(), c.Param("id"), middleware.UserID(c), body.Message)
	if err != nil {
		respondError(c, err, "Failed to create request")
		return
	}
	c.JSON(http.StatusCreated, request)
}

// ListForListing handles GET /v1/listings/:id/requests
func (h *RestRequestHandler) ListForListing(c *gin.Context) {
	requests, err := h.requestService.ListForListing(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": requests})
}

// ListIncoming handles GET /v1/requests/incoming
func (h *RestRequestHandler) ListIncoming(c *gin.Context) {
	requests, err := h.requestService.ListIncomingForDonor(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to list incoming requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": requests})
}

// ListMine handles GET /v1/requests/mine
func (h *RestRequestHandler) ListMine(c *gin.Context) {
	requests, next, err := h.requestService.ListForRequester(c.Request.Context(), middleware.UserID(c), pageFromQuery(c))
	if err != nil {
		respondError(c, err, "Failed to list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": requests, "next_cursor": next})
}

// AcceptRequest handles POST /v1/requests/:id/accept
func (h *RestRequestHandler) AcceptRequest(c *gin.Context) {
	request, err := h.requestService.AcceptRequest(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to accept request")
		return
	}
	c.JSON(http.StatusOK, request)
}

// RejectRequest handles POST /v1/requests/:id/reject
func (h *RestRequestHandler) RejectRequest(c *gin.Context) {
	request, err := h.requestService.RejectRequest(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to reject request")
		return
	}
	c.JSON(http.StatusOK, request)
}

// DeleteRequest handles DELETE /v1/requests/:id
func (h *RestRequestHandler) DeleteRequest(c *gin.Context) {
	if err := h.requestService.DeleteRequest(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, err, "Failed to delete request")
		return
	}
	c.Status(http.StatusNoContent)
}
