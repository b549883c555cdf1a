package storage

import (
	"math"
	"sort"

	"geo_ranker/models"
)

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b models.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// boundingBox returns a lat/lng box that contains the circle, used to narrow the
// SQL scan before the exact distance filter.
func boundingBox(center models.LatLng, radiusKm float64) (minLat, maxLat, minLng, maxLng float64) {
	dLat := radiusKm / 111.0
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLng := 180.0
	if cos > 1e-6 {
		dLng = math.Min(180, radiusKm/(111.0*cos))
	}
	return center.Lat - dLat, center.Lat + dLat, center.Lng - dLng, center.Lng + dLng
}

// filterNearby keeps listings inside the radius, closest first.
func filterNearby(candidates []models.Listing, center models.LatLng, radiusKm float64, limit int) []models.Listing {
	type hit struct {
		l    models.Listing
		dist float64
	}
	var hits []hit
	for _, l := range candidates {
		if l.Lat == nil || l.Lng == nil {
			continue
		}
		d := HaversineKm(center, models.LatLng{Lat: *l.Lat, Lng: *l.Lng})
		if d <= radiusKm {
			hits = append(hits, hit{l: l, dist: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]models.Listing, 0, len(hits))
	for i, h := range hits {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, h.l)
	}
	return out
}
