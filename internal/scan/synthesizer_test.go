package scan

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

func TestSynthesizeIsDeterministic(t *testing.T) {
	in := SynthesisInput{SessionID: "session-1"}

	first := Synthesize(in)
	second := Synthesize(in)

	if first != second {
		t.Errorf("Expected identical results, got %+v and %+v", first, second)
	}
}

func TestSynthesizeAcousticMapping(t *testing.T) {
	tests := []struct {
		name        string
		anomaly     bool
		wantFinding entities.AcousticFinding
		wantDelta   int
	}{
		{"baseline", false, entities.FindingClearBaseline, BaselineScoreDelta},
		{"congestion", true, entities.FindingCongestionDetected, AnomalyScoreDelta},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Synthesize(SynthesisInput{SessionID: "session-2", AcousticAnomaly: tt.anomaly})

			if result.AcousticFinding != tt.wantFinding {
				t.Errorf("Expected finding %q, got %q", tt.wantFinding, result.AcousticFinding)
			}
			if result.ScoreDelta != tt.wantDelta {
				t.Errorf("Expected delta %d, got %d", tt.wantDelta, result.ScoreDelta)
			}
		})
	}
}

func TestSynthesizeAnomalyOnlyChangesAcousticFields(t *testing.T) {
	clear := Synthesize(SynthesisInput{SessionID: "session-3"})
	congested := Synthesize(SynthesisInput{SessionID: "session-3", AcousticAnomaly: true})

	if clear.RespiratoryScore != congested.RespiratoryScore || clear.KinematicStability != congested.KinematicStability {
		t.Errorf("Optical scores should not depend on the acoustic outcome: %+v vs %+v", clear, congested)
	}
}

func TestSynthesizeRangesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := SynthesisInput{
			SessionID:       rapid.String().Draw(t, "sessionID"),
			AcousticAnomaly: rapid.Bool().Draw(t, "anomaly"),
		}
		result := Synthesize(in)

		if result.RespiratoryScore < RespiratoryScoreMin || result.RespiratoryScore > RespiratoryScoreMax {
			t.Fatalf("respiratory score %d out of range", result.RespiratoryScore)
		}
		if result.KinematicStability < KinematicStabilityMin || result.KinematicStability > KinematicStabilityMax {
			t.Fatalf("kinematic stability %d out of range", result.KinematicStability)
		}
		if in.AcousticAnomaly && result.ScoreDelta >= 0 {
			t.Fatalf("anomaly should give a negative delta, got %d", result.ScoreDelta)
		}
		if !in.AcousticAnomaly && result.ScoreDelta <= 0 {
			t.Fatalf("baseline should give a positive delta, got %d", result.ScoreDelta)
		}
	})
}

func TestBlendPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy BlendPolicy
		prev   float64
		ramp   float64
		server float64
		want   float64
	}{
		{"max prefers ramp", MaxBlend, 10, 10.25, 5, 10.25},
		{"max prefers server", MaxBlend, 10, 10.25, 40, 40},
		{"max clamps", MaxBlend, 99.9, 100.15, 0, 100},
		{"max no server yet", MaxBlend, 0, 0.25, 0, 0.25},
		{"ramp only ignores server", RampOnly, 10, 10.25, 90, 10.25},
		{"ramp only clamps", RampOnly, 99.9, 100.15, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy(tt.prev, tt.ramp, tt.server); got != tt.want {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}
