package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/services"
)

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error, fallback string) {
	var ve *errs.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "problems": ve.Problems})
	case errors.Is(err, errs.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrInvalidState),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errs.IsTransient(err):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable, please retry"})
	default:
		_ = c.Error(err)
		log.Printf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// pageFromQuery reads ?limit=&cursor=. Clamping happens in the services.
func pageFromQuery(c *gin.Context) services.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return services.Page{Limit: limit, Cursor: c.Query("cursor")}
}
