package profile

import (
	"math"
	"sync"
)

// Geo resolves location labels to coordinates and computes great-circle
// distances. Points are loaded from the rules configuration at startup;
// a pair with an unknown label resolves to distance 0 so that missing
// geo data never triggers distance rules.
type Geo struct {
	mu     sync.RWMutex
	points map[string]GeoPoint
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func NewGeo() *Geo {
	return &Geo{points: make(map[string]GeoPoint)}
}

// SeedPoints installs label coordinates. Read-only after startup.
func (g *Geo) SeedPoints(points map[string]GeoPoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for label, p := range points {
		g.points[label] = p
	}
}

// DistanceKm returns the great-circle distance between two location
// labels, or 0 when either label is empty, equal, or unknown.
func (g *Geo) DistanceKm(a, b string) float64 {
	if a == "" || b == "" || a == b {
		return 0
	}

	g.mu.RLock()
	pa, okA := g.points[a]
	pb, okB := g.points[b]
	g.mu.RUnlock()
	if !okA || !okB {
		return 0
	}
	return haversineKm(pa, pb)
}

const earthRadiusKm = 6371.0

func haversineKm(a, b GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
