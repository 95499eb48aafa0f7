package entities

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestScanSessionCreation(t *testing.T) {
	session := NewScanSession()

	if session.ID() == "" {
		t.Error("Expected session ID to be set")
	}

	if session.Phase() != PhaseInit {
		t.Errorf("Expected phase %s, got %s", PhaseInit, session.Phase())
	}

	if session.Progress() != 0 {
		t.Errorf("Expected progress 0, got %f", session.Progress())
	}

	if session.StatusMessage() != PhaseInit.StatusMessage() {
		t.Errorf("Expected status %q, got %q", PhaseInit.StatusMessage(), session.StatusMessage())
	}

	if session.Connection() != ChannelConnecting {
		t.Errorf("Expected connection %s, got %s", ChannelConnecting, session.Connection())
	}

	if _, ok := session.Result(); ok {
		t.Error("New session should not have a result")
	}
}

func TestEnterPhaseSequential(t *testing.T) {
	session := NewScanSession()

	for _, next := range []ScanPhase{PhaseRespiratory, PhaseKinematic, PhaseAcoustic, PhaseAnalyzing, PhaseComplete} {
		session.AdvanceProgress(42)

		if err := session.EnterPhase(next); err != nil {
			t.Fatalf("EnterPhase(%s) failed: %v", next, err)
		}

		if session.Phase() != next {
			t.Errorf("Expected phase %s, got %s", next, session.Phase())
		}

		if session.Progress() != 0 {
			t.Errorf("Progress should reset to 0 on entering %s, got %f", next, session.Progress())
		}

		if session.StatusMessage() != next.StatusMessage() {
			t.Errorf("Expected status %q, got %q", next.StatusMessage(), session.StatusMessage())
		}
	}
}

func TestEnterPhaseRejectsSkipsAndRevisits(t *testing.T) {
	session := NewScanSession()

	if err := session.EnterPhase(PhaseKinematic); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Skipping a phase should fail with ErrInvalidTransition, got %v", err)
	}

	if err := session.EnterPhase(PhaseInit); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Re-entering Init should fail with ErrInvalidTransition, got %v", err)
	}

	if err := session.EnterPhase(PhaseRespiratory); err != nil {
		t.Fatalf("EnterPhase(respiratory) failed: %v", err)
	}

	if err := session.EnterPhase(PhaseRespiratory); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Revisiting a phase should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestAdvanceProgressIsMonotonicAndClamped(t *testing.T) {
	session := NewScanSession()

	if got := session.AdvanceProgress(30); got != 30 {
		t.Errorf("Expected progress 30, got %f", got)
	}

	if got := session.AdvanceProgress(10); got != 30 {
		t.Errorf("Lower value should be ignored, got %f", got)
	}

	if got := session.AdvanceProgress(250); got != 100 {
		t.Errorf("Progress should clamp at 100, got %f", got)
	}
}

func TestProgressNeverDecreasesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		session := NewScanSession()
		updates := rapid.SliceOf(rapid.Float64Range(-50, 150)).Draw(t, "updates")

		prev := session.Progress()
		for _, v := range updates {
			got := session.AdvanceProgress(v)
			if got < prev {
				t.Fatalf("progress decreased from %f to %f", prev, got)
			}
			if got < 0 || got > 100 {
				t.Fatalf("progress %f out of range", got)
			}
			prev = got
		}
	})
}

func TestAcousticAnomalyIsSticky(t *testing.T) {
	session := NewScanSession()

	if !session.FlagAcousticAnomaly() {
		t.Error("First flag should report it set the anomaly")
	}

	if session.FlagAcousticAnomaly() {
		t.Error("Second flag should report no change")
	}

	for _, next := range []ScanPhase{PhaseRespiratory, PhaseKinematic, PhaseAcoustic, PhaseAnalyzing, PhaseComplete} {
		if err := session.EnterPhase(next); err != nil {
			t.Fatalf("EnterPhase(%s) failed: %v", next, err)
		}
		if !session.AcousticAnomaly() {
			t.Errorf("Anomaly flag should remain set in %s", next)
		}
	}
}

func TestCompleteOnlyOnce(t *testing.T) {
	session := NewScanSession()
	first := ScanResult{RespiratoryScore: 90, KinematicStability: 95, AcousticFinding: FindingClearBaseline, ScoreDelta: 1}
	second := ScanResult{RespiratoryScore: 85, KinematicStability: 91, AcousticFinding: FindingCongestionDetected, ScoreDelta: -2}

	if err := session.Complete(first); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := session.Complete(second); !errors.Is(err, ErrResultAlreadySet) {
		t.Errorf("Second Complete should fail with ErrResultAlreadySet, got %v", err)
	}

	got, ok := session.Result()
	if !ok {
		t.Fatal("Expected result to be set")
	}
	if got != first {
		t.Errorf("Result should be the first one, got %+v", got)
	}

	record, ok := session.Record()
	if !ok {
		t.Fatal("Expected record for completed session")
	}
	if record.SessionID != session.ID() || record.Result != first {
		t.Errorf("Unexpected record %+v", record)
	}
}

func TestAbortStopsTransitions(t *testing.T) {
	session := NewScanSession()
	if err := session.EnterPhase(PhaseRespiratory); err != nil {
		t.Fatalf("EnterPhase failed: %v", err)
	}

	session.Abort("Scan aborted")

	if !session.Aborted() {
		t.Error("Session should be aborted")
	}

	if err := session.EnterPhase(PhaseKinematic); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("EnterPhase after abort should fail with ErrSessionEnded, got %v", err)
	}

	if session.StatusMessage() != "Scan aborted" {
		t.Errorf("Expected abort status, got %q", session.StatusMessage())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	session := NewScanSession()
	session.SetProcessedFrame("data:image/jpeg;base64,AAAA", map[string]interface{}{"chest_dist": 120.0})

	snap := session.Snapshot()
	if !snap.HasProcessedFrame {
		t.Error("Snapshot should report a processed frame")
	}

	snap.Telemetry["chest_dist"] = 1.0
	if again := session.Snapshot(); again.Telemetry["chest_dist"] != 120.0 {
		t.Errorf("Mutating a snapshot should not change the session, got %v", again.Telemetry["chest_dist"])
	}
}

func TestScanPhaseHelpers(t *testing.T) {
	if !PhaseRespiratory.IsOptical() || !PhaseKinematic.IsOptical() {
		t.Error("Respiratory and Kinematic should be optical phases")
	}
	if PhaseAcoustic.IsOptical() || PhaseInit.IsOptical() {
		t.Error("Acoustic and Init should not be optical phases")
	}
	if _, ok := PhaseComplete.Next(); ok {
		t.Error("Complete should have no successor")
	}
	if PhaseAnalyzing.String() != "analyzing" {
		t.Errorf("Unexpected name %q", PhaseAnalyzing.String())
	}
	if ScanPhase(9).Valid() {
		t.Error("Phase 9 should be invalid")
	}
}
