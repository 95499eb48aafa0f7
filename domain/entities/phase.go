package entities

import "fmt"

// ScanPhase identifies one stage of the multi-step scan.
type ScanPhase uint8

const (
	PhaseInit ScanPhase = iota
	PhaseRespiratory
	PhaseKinematic
	PhaseAcoustic
	PhaseAnalyzing
	PhaseComplete
)

var phaseNames = [...]string{
	PhaseInit:        "init",
	PhaseRespiratory: "respiratory",
	PhaseKinematic:   "kinematic",
	PhaseAcoustic:    "acoustic",
	PhaseAnalyzing:   "analyzing",
	PhaseComplete:    "complete",
}

var phaseStatus = [...]string{
	PhaseInit:        "Initializing Biometric Sensors...",
	PhaseRespiratory: "Optical track engaged. Take a deep breath to expand chest.",
	PhaseKinematic:   "Hold perfectly still for Kinematic track...",
	PhaseAcoustic:    "Acoustic check. Please say 'Ahhhhh' or cough.",
	PhaseAnalyzing:   "Compiling Multi-modal Biometric Data...",
	PhaseComplete:    "Scan Complete. Profile Updated.",
}

// String returns the lowercase phase name
func (p ScanPhase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Valid reports whether p is one of the six known phases
func (p ScanPhase) Valid() bool {
	return p <= PhaseComplete
}

// Next returns the phase that follows p. Complete has no successor.
func (p ScanPhase) Next() (ScanPhase, bool) {
	if p >= PhaseComplete {
		return p, false
	}
	return p + 1, true
}

// IsOptical reports whether frames are streamed to the vision service in this phase.
func (p ScanPhase) IsOptical() bool {
	return p == PhaseRespiratory || p == PhaseKinematic
}

// IsTerminal reports whether p is the final phase.
func (p ScanPhase) IsTerminal() bool {
	return p == PhaseComplete
}

// StatusMessage is the human-readable description shown on phase entry.
func (p ScanPhase) StatusMessage() string {
	if p.Valid() {
		return phaseStatus[p]
	}
	return ""
}
