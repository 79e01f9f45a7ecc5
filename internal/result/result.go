// Package result assembles per-request results and publishes them to the
// caller in request-key order.
package result

import (
	"fmt"
	"time"
)

// Category is a result category.
type Category int

const (
	CategoryShutter Category = iota
	CategoryError
	CategoryPartialMeta
	CategoryBuffer
	CategoryAllMeta
)

func (c Category) String() string {
	switch c {
	case CategoryShutter:
		return "NOTIFY_SHUTTER"
	case CategoryError:
		return "NOTIFY_ERROR"
	case CategoryPartialMeta:
		return "PARTIAL_METADATA"
	case CategoryBuffer:
		return "BUFFER_ONLY"
	case CategoryAllMeta:
		return "ALL_METADATA"
	default:
		return fmt.Sprintf("CATEGORY(%d)", int(c))
	}
}

// ErrorKind is the kind of an error notification.
type ErrorKind int

const (
	ErrorDevice ErrorKind = iota
	ErrorRequest
	ErrorResult
	ErrorBuffer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorDevice:
		return "ERROR_DEVICE"
	case ErrorRequest:
		return "ERROR_REQUEST"
	case ErrorResult:
		return "ERROR_RESULT"
	case ErrorBuffer:
		return "ERROR_BUFFER"
	default:
		return fmt.Sprintf("ERROR_KIND(%d)", int(k))
	}
}

// BufferStatus is the status of a returned stream buffer.
type BufferStatus int

const (
	BufferOK BufferStatus = iota
	BufferError
)

func (s BufferStatus) String() string {
	if s == BufferError {
		return "error"
	}
	return "ok"
}

// NoStream marks an error notification not tied to a stream.
const NoStream = -1

// BufferResult returns one stream buffer to the caller.
type BufferResult struct {
	Key      uint64       `json:"key"`
	StreamID int          `json:"stream_id"`
	Handle   uint64       `json:"handle"`
	Status   BufferStatus `json:"status"`
}

// MetadataResult carries partial or final result metadata.
type MetadataResult struct {
	Key     uint64 `json:"key"`
	Partial bool   `json:"partial"`
	Blob    []byte `json:"blob"`
}

// ErrorNotice is an error notification.
type ErrorNotice struct {
	Kind     ErrorKind `json:"kind"`
	Key      uint64    `json:"key"`
	StreamID int       `json:"stream_id"`
}

// Sink receives results. Calls are made from one goroutine at a time.
type Sink interface {
	Shutter(key uint64, timestamp time.Time)
	Buffer(r BufferResult)
	Metadata(r MetadataResult)
	Error(n ErrorNotice)
}

// Result is one update pushed to the dispatcher.
type Result struct {
	Key       uint64
	Category  Category
	StreamID  int
	Timestamp time.Time
	Handle    uint64
	Status    BufferStatus
	Blob      []byte
	ErrorKind ErrorKind
}

func Shutter(key uint64, ts time.Time) Result {
	return Result{Key: key, Category: CategoryShutter, StreamID: NoStream, Timestamp: ts}
}

func Buffer(key uint64, streamID int, handle uint64, status BufferStatus) Result {
	return Result{Key: key, Category: CategoryBuffer, StreamID: streamID, Handle: handle, Status: status}
}

func PartialMeta(key uint64, blob []byte) Result {
	return Result{Key: key, Category: CategoryPartialMeta, StreamID: NoStream, Blob: blob}
}

func AllMeta(key uint64, blob []byte) Result {
	return Result{Key: key, Category: CategoryAllMeta, StreamID: NoStream, Blob: blob}
}

// Error builds an error notification. streamID is NoStream unless kind is
// ErrorBuffer.
func Error(kind ErrorKind, key uint64, streamID int) Result {
	return Result{Key: key, Category: CategoryError, StreamID: streamID, ErrorKind: kind}
}

func (r Result) String() string {
	switch r.Category {
	case CategoryError:
		return fmt.Sprintf("R%d %s(%s,s%d)", r.Key, r.Category, r.ErrorKind, r.StreamID)
	case CategoryBuffer:
		return fmt.Sprintf("R%d %s(s%d,%s)", r.Key, r.Category, r.StreamID, r.Status)
	default:
		return fmt.Sprintf("R%d %s", r.Key, r.Category)
	}
}

// StreamRef is a stream a request expects a buffer for.
type StreamRef struct {
	ID     int
	Handle uint64
}
