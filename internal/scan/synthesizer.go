package scan

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

// Score ranges are inclusive. They stand in for the remote model's output.
const (
	RespiratoryScoreMin   = 85
	RespiratoryScoreMax   = 99
	KinematicStabilityMin = 90
	KinematicStabilityMax = 99

	AnomalyScoreDelta  = -2
	BaselineScoreDelta = 1
)

// SynthesisInput holds the phase outcomes a result is built from
type SynthesisInput struct {
	SessionID       string
	AcousticAnomaly bool
}

// Synthesize builds the fused result. The scores are drawn from a generator seeded by
// the session id, so the same input always yields the same result.
func Synthesize(in SynthesisInput) entities.ScanResult {
	h := fnv.New64a()
	h.Write([]byte(in.SessionID))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	result := entities.ScanResult{
		RespiratoryScore:   RespiratoryScoreMin + r.IntN(RespiratoryScoreMax-RespiratoryScoreMin+1),
		KinematicStability: KinematicStabilityMin + r.IntN(KinematicStabilityMax-KinematicStabilityMin+1),
		AcousticFinding:    entities.FindingClearBaseline,
		ScoreDelta:         BaselineScoreDelta,
	}

	if in.AcousticAnomaly {
		result.AcousticFinding = entities.FindingCongestionDetected
		result.ScoreDelta = AnomalyScoreDelta
	}

	return result
}
