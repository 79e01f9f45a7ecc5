// Package metadata is the boundary to the request settings and result
// metadata codec. The orchestrator only reads the handful of settings that
// drive scheduling and dual-mode selection; everything else stays opaque.
package metadata

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureIntentStill asks for a reprocessed still without a JPEG stream.
const CaptureIntentStill = "still"

// Settings are the request controls the orchestrator acts on.
type Settings struct {
	ZoomRatio          float64 `yaml:"zoom_ratio" json:"zoom_ratio"`
	BatchSize          int     `yaml:"batch_size" json:"batch_size"`
	SensorControlDelay *int    `yaml:"sensor_control_delay" json:"sensor_control_delay"`
	FaceDetect         bool    `yaml:"face_detect" json:"face_detect"`
	CaptureIntent      string  `yaml:"capture_intent" json:"capture_intent"`
}

// Zoom returns the zoom ratio, 1.0 when unset.
func (s Settings) Zoom() float64 {
	if s.ZoomRatio <= 0 {
		return 1.0
	}
	return s.ZoomRatio
}

// BatchOr returns the batch size or def when unset.
func (s Settings) BatchOr(def int) int {
	if s.BatchSize <= 0 {
		return def
	}
	return s.BatchSize
}

// DelayOr returns the sensor control delay or def when unset.
func (s Settings) DelayOr(def int) int {
	if s.SensorControlDelay == nil || *s.SensorControlDelay < 0 {
		return def
	}
	return *s.SensorControlDelay
}

// ResultMeta is the metadata published for a request.
type ResultMeta struct {
	Key        uint64    `yaml:"key" json:"key"`
	FrameCount uint32    `yaml:"frame_count" json:"frame_count"`
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp"`
	Partial    bool      `yaml:"partial" json:"partial"`
	ZoomRatio  float64   `yaml:"zoom_ratio" json:"zoom_ratio"`
	DualMode   string    `yaml:"dual_mode,omitempty" json:"dual_mode,omitempty"`
	FrameType  string    `yaml:"frame_type" json:"frame_type"`
	Stages     []string  `yaml:"stages,omitempty" json:"stages,omitempty"`
	Faces      int       `yaml:"faces,omitempty" json:"faces,omitempty"`
}

// Codec converts between opaque blobs and the typed views above.
type Codec interface {
	Decode(blob []byte) (Settings, error)
	Encode(meta ResultMeta) ([]byte, error)
}

// YAMLCodec reads YAML or JSON settings blobs and writes YAML metadata.
type YAMLCodec struct{}

// NewCodec returns the default codec.
func NewCodec() Codec { return YAMLCodec{} }

func (YAMLCodec) Decode(blob []byte) (Settings, error) {
	var s Settings
	if len(bytes.TrimSpace(blob)) == 0 {
		return s, nil
	}
	if err := yaml.Unmarshal(blob, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if s.ZoomRatio < 0 {
		return Settings{}, fmt.Errorf("decode settings: negative zoom ratio %v", s.ZoomRatio)
	}
	return s, nil
}

func (YAMLCodec) Encode(meta ResultMeta) ([]byte, error) {
	out, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}
