package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/geo"
)

// Distance handles GET /v1/distance?lat1=&lng1=&lat2=&lng2=
func Distance(c *gin.Context) {
	var coords [4]float64
	for i, key := range []string{"lat1", "lng1", "lat2", "lng2"} {
		v, err := strconv.ParseFloat(c.Query(key), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Query parameter '%s' must be a number", key)})
			return
		}
		coords[i] = v
	}
	if !geo.ValidCoords(coords[0], coords[1]) || !geo.ValidCoords(coords[2], coords[3]) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coordinates are out of range"})
		return
	}

	km := geo.CalculateDistance(coords[0], coords[1], coords[2], coords[3])
	c.JSON(http.StatusOK, gin.H{"distance_km": km, "distance": geo.FormatDistance(km)})
}
