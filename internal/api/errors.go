package api

import (
	"errors"
	"net/http"

	"catalog-orders/internal/models"

	"github.com/gin-gonic/gin"
)

// writeError maps an error kind to its HTTP status
func writeError(c *gin.Context, err error) {
	var stockErr *models.InsufficientStockError

	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Insufficient stock",
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "details": err.Error()})
	case errors.Is(err, models.ErrDuplicateSlug), errors.Is(err, models.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflict", "details": err.Error()})
	case models.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporarily unavailable", "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
