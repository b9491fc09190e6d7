package models

// GeoJSON represents a GeoJSON Point for MongoDB.
type GeoJSON struct {
	Type        string    `bson:"type" json:"type"`               // Should be "Point"
	Coordinates []float64 `bson:"coordinates" json:"coordinates"` // [longitude, latitude]
}

// NewPoint builds a GeoJSON point; note the [lng, lat] order.
func NewPoint(lat, lng float64) *GeoJSON {
	return &GeoJSON{Type: "Point", Coordinates: []float64{lng, lat}}
}

// Coords is a latitude/longitude pair.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
