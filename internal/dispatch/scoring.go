package dispatch

import (
	"sort"

	"github.com/example/ride-hailing/internal/models"
)

// Scoring weights. The standard triple is distance-heavy; the variant
// rebalances toward rating and is gated by the new_scoring_algo flag.
const (
	alphaStd, betaStd, gammaStd = 0.5, 0.3, 0.2
	alphaNew, betaNew, gammaNew = 0.4, 0.4, 0.2

	// Floors keep the reciprocal terms finite for a driver standing on the
	// pickup point or with a spotless decline history.
	minDistanceKm  = 0.01
	minDeclineRate = 0.01

	// Defaults for drivers whose metadata is missing these fields.
	defaultRating      = 4.0
	defaultDeclineRate = 0.1
)

// Candidate is a scored driver under consideration for one offer.
type Candidate struct {
	DriverID    string
	DistanceKm  float64
	Rating      float64
	DeclineRate float64
	Tier        models.VehicleTier
	Score       float64
}

func computeScore(distanceKm, rating, declineRate, alpha, beta, gamma float64) float64 {
	if distanceKm < minDistanceKm {
		distanceKm = minDistanceKm
	}
	if declineRate < minDeclineRate {
		declineRate = minDeclineRate
	}
	return alpha*(1.0/distanceKm) + beta*rating + gamma*(1.0/declineRate)
}

// rankCandidates sorts by score descending. The input arrives in ascending
// distance order from the geo index; the stable sort keeps that as the
// tie-break.
func rankCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
}
