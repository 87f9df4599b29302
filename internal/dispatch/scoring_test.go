package dispatch

import "testing"

func TestDistanceFloor(t *testing.T) {
	zero := computeScore(0, 4.5, 0.1, alphaStd, betaStd, gammaStd)
	floor := computeScore(0.01, 4.5, 0.1, alphaStd, betaStd, gammaStd)
	if zero != floor {
		t.Fatalf("score(0)=%f should equal score(0.01)=%f", zero, floor)
	}
}

func TestDeclineRateFloor(t *testing.T) {
	zero := computeScore(1.0, 4.5, 0, alphaStd, betaStd, gammaStd)
	floor := computeScore(1.0, 4.5, 0.01, alphaStd, betaStd, gammaStd)
	if zero != floor {
		t.Fatalf("score(decline=0)=%f should equal score(decline=0.01)=%f", zero, floor)
	}
}

func TestCloserDriverScoresHigher(t *testing.T) {
	near := computeScore(0.5, 4.5, 0.1, alphaStd, betaStd, gammaStd)
	far := computeScore(2.0, 4.5, 0.1, alphaStd, betaStd, gammaStd)
	if near <= far {
		t.Fatalf("near=%f should beat far=%f", near, far)
	}
}

func TestVariantWeightsRebalanceTowardRating(t *testing.T) {
	// Driver A is closer, driver B is better rated. The variant weights
	// shrink the distance advantage.
	aStd := computeScore(0.5, 4.0, 0.1, alphaStd, betaStd, gammaStd)
	bStd := computeScore(0.6, 5.0, 0.1, alphaStd, betaStd, gammaStd)
	aNew := computeScore(0.5, 4.0, 0.1, alphaNew, betaNew, gammaNew)
	bNew := computeScore(0.6, 5.0, 0.1, alphaNew, betaNew, gammaNew)
	if (bStd-aStd) >= (bNew-aNew) {
		t.Fatalf("variant should favor rating more: std gap %f, new gap %f", bStd-aStd, bNew-aNew)
	}
}

func TestRankStableTieBreakByDistance(t *testing.T) {
	// Identical scores: the incoming ascending-distance order must survive.
	cands := []Candidate{
		{DriverID: "near", DistanceKm: 1.0, Score: 2.0},
		{DriverID: "far", DistanceKm: 2.0, Score: 2.0},
		{DriverID: "best", DistanceKm: 3.0, Score: 9.0},
	}
	rankCandidates(cands)
	if cands[0].DriverID != "best" {
		t.Fatalf("highest score must rank first, got %s", cands[0].DriverID)
	}
	if cands[1].DriverID != "near" || cands[2].DriverID != "far" {
		t.Fatalf("tie must keep ascending distance order: %+v", cands)
	}
}
