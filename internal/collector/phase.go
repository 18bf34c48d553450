package collector

import "fmt"

// Phase is the collector worker's current step.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseIdle
	PhaseCollecting
	PhaseReloading
	PhaseTerminating
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseStarting:    "starting",
	PhaseIdle:        "idle",
	PhaseCollecting:  "collecting",
	PhaseReloading:   "reloading",
	PhaseTerminating: "terminating",
	PhaseStopped:     "stopped",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}

	return fmt.Sprintf("phase(%d)", int32(p))
}
