package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/services"
	"foodbridge/core/internal/tasks"
)

// ImageUploader issues direct-upload URLs. storage.IS3Storage implements it.
type ImageUploader interface {
	GeneratePresignedPutURL(ctx context.Context, userID, listingID, filename, contentType string) (string, string, error)
}

// ImageQueue hands uploaded images to the worker. tasks.Scheduler implements it.
type ImageQueue interface {
	EnqueueImageProcess(ctx context.Context, p tasks.ImageTaskPayload) error
}

// RestListingHandler handles REST requests for listings.
type RestListingHandler struct {
	listingService services.IListingService
	uploader       ImageUploader
	imageQueue     ImageQueue
	maxUploadBytes int64
	now            func() time.Time
}

// NewRestListingHandler creates a new RestListingHandler. uploader and imageQueue may be nil,
// which disables the direct-upload routes.
func NewRestListingHandler(listingService services.IListingService, uploader ImageUploader, imageQueue ImageQueue, maxUploadMB int) *RestListingHandler {
	return &RestListingHandler{
		listingService: listingService,
		uploader:       uploader,
		imageQueue:     imageQueue,
		maxUploadBytes: int64(maxUploadMB) << 20,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ListingView adds the derived display status; it is never stored.
type ListingView struct {
	models.Listing
	DisplayStatus models.ListingStatus `json:"display_status"`
}

func (h *RestListingHandler) view(l *models.Listing) ListingView {
	return ListingView{Listing: *l, DisplayStatus: l.DisplayStatus(h.now())}
}

func (h *RestListingHandler) views(listings []models.Listing) []ListingView {
	out := make([]ListingView, len(listings))
	for i := range listings {
		out[i] = h.view(&listings[i])
	}
	return out
}

// CreateListing handles POST /v1/listings
func (h *RestListingHandler) CreateListing(c *gin.Context) {
	var draft models.ListingDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	listing, err := h.listingService.CreateListing(c.Request.Context(), middleware.UserID(c), draft)
	if err != nil {
		respondError(c, err, "Failed to create listing")
		return
	}
	c.JSON(http.StatusCreated, h.view(listing))
}

// GetListingByID handles GET /v1/listings/:id
func (h *RestListingHandler) GetListingByID(c *gin.Context) {
	listing, err := h.listingService.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to retrieve listing")
		return
	}
	c.JSON(http.StatusOK, h.view(listing))
}

// UpdateListing handles PATCH /v1/listings/:id
func (h *RestListingHandler) UpdateListing(c *gin.Context) {
	var patch models.ListingPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	listing, err := h.listingService.UpdateListing(c.Request.Context(), c.Param("id"), middleware.UserID(c), patch)
	if err != nil {
		respondError(c, err, "Failed to update listing")
		return
	}
	c.JSON(http.StatusOK, h.view(listing))
}

// DeleteListing handles DELETE /v1/listings/:id
func (h *RestListingHandler) DeleteListing(c *gin.Context) {
	if err := h.listingService.DeleteListing(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, err, "Failed to delete listing")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAvailable handles GET /v1/listings
func (h *RestListingHandler) ListAvailable(c *gin.Context) {
	listings, next, err := h.listingService.ListAvailable(c.Request.Context(), pageFromQuery(c))
	if err != nil {
		respondError(c, err, "Failed to list listings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.views(listings), "next_cursor": next})
}

// ListByDonor handles GET /v1/donors/:id/listings
func (h *RestListingHandler) ListByDonor(c *gin.Context) {
	listings, next, err := h.listingService.ListByDonor(c.Request.Context(), c.Param("id"), pageFromQuery(c))
	if err != nil {
		respondError(c, err, "Failed to list donor listings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.views(listings), "next_cursor": next})
}

// ListNearby handles GET /v1/listings/nearby?lat=&lng=&radius_km=
func (h *RestListingHandler) ListNearby(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameters 'lat' and 'lng' are required"})
		return
	}
	radius, _ := strconv.ParseFloat(c.Query("radius_km"), 64)

	nearby, err := h.listingService.ListNearby(c.Request.Context(), models.Coords{Latitude: lat, Longitude: lng}, radius, pageFromQuery(c))
	if err != nil {
		respondError(c, err, "Failed to list nearby listings")
		return
	}
	type nearbyView struct {
		ListingView
		DistanceKm *float64 `json:"distance_km"`
		Distance   string   `json:"distance"`
	}
	out := make([]nearbyView, len(nearby))
	for i, ld := range nearby {
		l := ld.Listing
		out[i] = nearbyView{ListingView: h.view(&l), DistanceKm: ld.DistanceKm, Distance: ld.Distance}
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// UploadImage handles POST /v1/listings/:id/images (multipart field "image")
func (h *RestListingHandler) UploadImage(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Multipart field 'image' is required"})
		return
	}
	if h.maxUploadBytes > 0 && fh.Size > h.maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Image exceeds %d bytes", h.maxUploadBytes)})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read upload"})
		return
	}

	listing, err := h.listingService.AttachImage(c.Request.Context(), c.Param("id"), middleware.UserID(c), fh.Filename, data)
	if err != nil {
		respondError(c, err, "Failed to attach image")
		return
	}
	c.JSON(http.StatusOK, h.view(listing))
}

// ownListing is the donor check used by the direct-upload routes, which do not touch the listing.
func (h *RestListingHandler) ownListing(c *gin.Context) (*models.Listing, bool) {
	listing, err := h.listingService.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to retrieve listing")
		return nil, false
	}
	if listing.DonorID != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the donor can add images"})
		return nil, false
	}
	if len(listing.Images) >= models.MaxListingImages {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("At most %d images are allowed", models.MaxListingImages)})
		return nil, false
	}
	return listing, true
}

// CreateUploadURL handles POST /v1/listings/:id/images/upload-url
func (h *RestListingHandler) CreateUploadURL(c *gin.Context) {
	if h.uploader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Direct uploads are not configured"})
		return
	}
	var req struct {
		Filename    string `json:"filename" binding:"required"`
		ContentType string `json:"content_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Fields 'filename' and 'content_type' are required"})
		return
	}
	if req.ContentType != "image/jpeg" && req.ContentType != "image/png" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image must be a JPEG or PNG"})
		return
	}
	listing, ok := h.ownListing(c)
	if !ok {
		return
	}

	url, key, err := h.uploader.GeneratePresignedPutURL(c.Request.Context(), listing.DonorID, listing.ID, req.Filename, req.ContentType)
	if err != nil {
		respondError(c, err, "Failed to create upload URL")
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_url": url, "s3_key": key})
}

// ProcessUpload handles POST /v1/listings/:id/images/process
func (h *RestListingHandler) ProcessUpload(c *gin.Context) {
	if h.imageQueue == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Direct uploads are not configured"})
		return
	}
	var req struct {
		S3Key string `json:"s3_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Field 's3_key' is required"})
		return
	}
	listing, ok := h.ownListing(c)
	if !ok {
		return
	}
	if !strings.HasPrefix(req.S3Key, fmt.Sprintf("uploads/%s/%s/", listing.DonorID, listing.ID)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Key does not belong to this listing"})
		return
	}

	err := h.imageQueue.EnqueueImageProcess(c.Request.Context(), tasks.ImageTaskPayload{
		S3Key:     req.S3Key,
		ListingID: listing.ID,
		DonorID:   listing.DonorID,
	})
	if err != nil {
		respondError(c, err, "Failed to queue image")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// CompleteListing handles POST /v1/listings/:id/complete
func (h *RestListingHandler) CompleteListing(c *gin.Context) {
	listing, err := h.listingService.CompleteListing(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to complete listing")
		return
	}
	c.JSON(http.StatusOK, h.view(listing))
}

// ReleaseClaim handles POST /v1/listings/:id/release
func (h *RestListingHandler) ReleaseClaim(c *gin.Context) {
	listing, err := h.listingService.ReleaseClaim(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err, "Failed to release listing")
		return
	}
	c.JSON(http.StatusOK, h.view(listing))
}
