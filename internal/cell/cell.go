// Package cell wraps H3 hexagonal addressing. Resolution 8 cells
// (~0.74 km²) key surge pricing; resolution 9 (~0.10 km²) is reserved for
// fine-grained matching.
package cell

import (
	"math"

	h3 "github.com/uber/h3-go/v4"
)

const (
	SurgeResolution    = 8
	DispatchResolution = 9
)

func ToCell(lat, lng float64, resolution int) string {
	return h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution).String()
}

func SurgeCell(lat, lng float64) string {
	return ToCell(lat, lng, SurgeResolution)
}

func DispatchCell(lat, lng float64) string {
	return ToCell(lat, lng, DispatchResolution)
}

// Ring returns the cell and its neighbors out to ringSize hops.
func Ring(cellID string, ringSize int) []string {
	cells := h3.GridDisk(h3.Cell(h3.IndexFromString(cellID)), ringSize)
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.String())
	}
	return out
}

// HaversineKm is the great-circle distance between two points in km.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const r = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return r * c
}
