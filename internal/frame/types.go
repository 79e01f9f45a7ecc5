package frame

import "fmt"

// Type tags what a frame is for. The set is closed; dispatch on it goes
// through tables indexed by Type.
type Type int

const (
	Preview Type = iota
	Internal
	Reprocessing
	JpegReprocessing
	Vision
	PreviewSlave
	InternalSlave
	PreviewDualMaster
	PreviewDualSlave
	ReprocessingDualMaster
	ReprocessingDualSlave
	Transition
	TransitionSlave

	NumTypes int = iota
)

var typeNames = [...]string{
	Preview:                "PREVIEW",
	Internal:               "INTERNAL",
	Reprocessing:           "REPROCESSING",
	JpegReprocessing:       "JPEG_REPROCESSING",
	Vision:                 "VISION",
	PreviewSlave:           "PREVIEW_SLAVE",
	InternalSlave:          "INTERNAL_SLAVE",
	PreviewDualMaster:      "PREVIEW_DUAL_MASTER",
	PreviewDualSlave:       "PREVIEW_DUAL_SLAVE",
	ReprocessingDualMaster: "REPROCESSING_DUAL_MASTER",
	ReprocessingDualSlave:  "REPROCESSING_DUAL_SLAVE",
	Transition:             "TRANSITION",
	TransitionSlave:        "TRANSITION_SLAVE",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("FRAME_TYPE(%d)", int(t))
	}
	return typeNames[t]
}

// IsInternal reports whether frames of this type never carry a request.
func (t Type) IsInternal() bool {
	switch t {
	case Internal, InternalSlave, Transition, TransitionSlave, PreviewDualSlave, ReprocessingDualSlave:
		return true
	}
	return false
}

// IsReprocessing reports whether the frame runs on the reprocessing graph.
func (t Type) IsReprocessing() bool {
	switch t {
	case Reprocessing, JpegReprocessing, ReprocessingDualMaster, ReprocessingDualSlave:
		return true
	}
	return false
}

// EntityState is the per-stage state of a frame.
type EntityState int

const (
	Requested EntityState = iota
	Processing
	Complete
	Error
)

func (s EntityState) String() string {
	switch s {
	case Requested:
		return "REQUESTED"
	case Processing:
		return "PROCESSING"
	case Complete:
		return "COMPLETE"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("ENTITY_STATE(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s EntityState) Terminal() bool {
	return s == Complete || s == Error
}

// ResultFlag marks a result category whose update is ready on a frame.
type ResultFlag uint8

const (
	ResultPartialMeta ResultFlag = 1 << iota
	ResultBuffer
	ResultAllMeta
)
