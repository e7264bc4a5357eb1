package geo

import (
	"math"
	"sort"

	"github.com/resqlink/resqlink/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distance.
const EarthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between two points in km.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Nearby pairs a message with its computed distance from a query center.
type Nearby struct {
	Message    *models.Message `json:"message"`
	DistanceKm float64         `json:"distance_km"`
}

// FilterNearby keeps messages whose location lies within radiusKm of the
// center (boundary inclusive) and returns them sorted closest-first.
// Messages with no location are skipped.
func FilterNearby(msgs []*models.Message, center models.Location, radiusKm float64) []Nearby {
	out := make([]Nearby, 0, len(msgs))
	for _, m := range msgs {
		if m.Location == nil {
			continue
		}
		d := DistanceKm(center.Latitude, center.Longitude, m.Location.Latitude, m.Location.Longitude)
		if d <= radiusKm {
			out = append(out, Nearby{Message: m, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}
