// Package pipe names the hardware processing stages of the imaging pipeline.
package pipe

import (
	"fmt"
	"strings"
)

// ID identifies one hardware stage. Buffers are tagged with the ID of the
// stage that owns them.
type ID int

const (
	Flite ID = iota // sensor capture (master)
	FliteSlave
	ThreeAA // demosaic + 3A statistics
	ThreeAASlave
	ISP
	ISPSlave
	MCSC // multi-scaler
	MCSCSlave
	Fusion
	VRA // face / vision engine
	Reprocessing3AA
	Reprocessing3AASlave
	ReprocessingISP
	ReprocessingFusion
	ReprocessingMCSC
	JPEG

	Count int = iota
)

var names = [...]string{
	Flite:                "FLITE",
	FliteSlave:           "FLITE_SLAVE",
	ThreeAA:              "3AA",
	ThreeAASlave:         "3AA_SLAVE",
	ISP:                  "ISP",
	ISPSlave:             "ISP_SLAVE",
	MCSC:                 "MCSC",
	MCSCSlave:            "MCSC_SLAVE",
	Fusion:               "FUSION",
	VRA:                  "VRA",
	Reprocessing3AA:      "REPROCESSING_3AA",
	Reprocessing3AASlave: "REPROCESSING_3AA_SLAVE",
	ReprocessingISP:      "REPROCESSING_ISP",
	ReprocessingFusion:   "REPROCESSING_FUSION",
	ReprocessingMCSC:     "REPROCESSING_MCSC",
	JPEG:                 "JPEG",
}

func (id ID) String() string {
	if id < 0 || int(id) >= len(names) {
		return fmt.Sprintf("PIPE(%d)", int(id))
	}
	return names[id]
}

// Valid reports whether id names a known stage.
func (id ID) Valid() bool {
	return id >= 0 && int(id) < Count
}

// IsSensor reports whether id is a sensor capture stage.
func (id ID) IsSensor() bool {
	return id == Flite || id == FliteSlave
}

// IsReprocessing reports whether id belongs to the reprocessing graph.
// Reprocessing stages use the longer capture wait timeout.
func (id ID) IsReprocessing() bool {
	switch id {
	case Reprocessing3AA, Reprocessing3AASlave, ReprocessingISP, ReprocessingFusion, ReprocessingMCSC, JPEG:
		return true
	}
	return false
}

// Parse looks up a stage by its String form, case-insensitively.
func Parse(s string) (ID, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range names {
		if n == up {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pipe %q", s)
}

// All returns every stage in ID order.
func All() []ID {
	out := make([]ID, Count)
	for i := range out {
		out[i] = ID(i)
	}
	return out
}
