package camera

import (
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/pipe"
)

// EventKind says what happened to a frame.
type EventKind int

const (
	FrameCreated EventKind = iota
	FrameFinished
	FrameDiscarded
)

func (k EventKind) String() string {
	switch k {
	case FrameCreated:
		return "created"
	case FrameFinished:
		return "finished"
	case FrameDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// FrameEvent is reported to the frame observer.
type FrameEvent struct {
	Kind       EventKind
	Count      uint32
	Type       frame.Type
	RequestKey uint64
	HasRequest bool
	Stages     []pipe.ID
	Failed     []pipe.ID
}

func (d *Device) observe(kind EventKind, fr *frame.Frame) {
	if d.observer == nil {
		return
	}
	key, ok := fr.Request()
	d.observer(FrameEvent{
		Kind:       kind,
		Count:      fr.Count(),
		Type:       fr.Type(),
		RequestKey: key,
		HasRequest: ok,
		Stages:     fr.Stages(),
		Failed:     fr.Failed(),
	})
}
