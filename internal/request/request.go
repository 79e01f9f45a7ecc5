// Package request holds caller requests from intake until every result for
// them has been dispatched.
package request

import (
	"fmt"
	"sync"

	"github.com/mikeyg42/camhal/internal/metadata"
)

// Status is the lifecycle status of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusError    Status = "ERROR"
	StatusComplete Status = "COMPLETE"
)

// StreamKind says what a stream carries and which stage produces it.
type StreamKind string

const (
	StreamPreview StreamKind = "preview"
	StreamRaw     StreamKind = "raw"
	StreamJpeg    StreamKind = "jpeg"
	StreamVision  StreamKind = "vision"
)

// ParseStreamKind validates a stream kind.
func ParseStreamKind(s string) (StreamKind, error) {
	switch k := StreamKind(s); k {
	case StreamPreview, StreamRaw, StreamJpeg, StreamVision:
		return k, nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

// StreamConfig describes a configured output stream.
type StreamConfig struct {
	ID     int        `json:"id" yaml:"id"`
	Kind   StreamKind `json:"kind" yaml:"kind"`
	Width  int        `json:"width" yaml:"width"`
	Height int        `json:"height" yaml:"height"`
}

// Stream is one requested output with the caller's buffer handle.
type Stream struct {
	ID     int        `json:"id"`
	Kind   StreamKind `json:"kind"`
	Handle uint64     `json:"handle"`
}

// Request is a caller-supplied unit of work.
type Request struct {
	Key      uint64   `json:"key"`
	Streams  []Stream `json:"streams"`
	Settings []byte   `json:"settings,omitempty"`

	// Decoded by the manager at submit time.
	settings metadata.Settings

	mu     sync.Mutex
	status Status
}

// New creates a pending request.
func New(key uint64, streams []Stream, settings []byte) *Request {
	return &Request{
		Key:      key,
		Streams:  streams,
		Settings: settings,
		status:   StatusPending,
	}
}

// Status returns the current status.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return StatusPending
	}
	return r.status
}

// SetStatus moves the request to s. COMPLETE and ERROR are final.
func (r *Request) SetStatus(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusComplete || r.status == StatusError {
		return false
	}
	r.status = s
	return true
}

// DecodedSettings returns the settings decoded at submit.
func (r *Request) DecodedSettings() metadata.Settings {
	return r.settings
}

// Has reports whether the request asks for a stream of kind k.
func (r *Request) Has(k StreamKind) bool {
	for _, s := range r.Streams {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// IsCapture reports whether the request needs a reprocessing pass: it asks
// for a JPEG or carries a still capture intent.
func (r *Request) IsCapture() bool {
	return r.Has(StreamJpeg) || r.settings.CaptureIntent == metadata.CaptureIntentStill
}

// StreamIDs returns the requested stream ids in request order.
func (r *Request) StreamIDs() []int {
	out := make([]int, len(r.Streams))
	for i, s := range r.Streams {
		out[i] = s.ID
	}
	return out
}

// StreamsOf returns the requested streams of kind k.
func (r *Request) StreamsOf(k StreamKind) []Stream {
	var out []Stream
	for _, s := range r.Streams {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}
