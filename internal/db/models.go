package db

import (
	"strconv"
	"time"
)

// Node categories recognised by the engine's load ordering.
const (
	CategorySensor      = "sensor"
	CategoryOperation   = "operation"
	CategoryFusion      = "fusion"
	CategoryCalibration = "calibration"
)

// NodeConfig is the type-specific configuration map persisted with a node.
type NodeConfig map[string]any

// Float returns a numeric config value, tolerating JSON's float64, integer
// and numeric-string encodings.
func (c NodeConfig) Float(key string, def float64) float64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns an integer config value.
func (c NodeConfig) Int(key string, def int) int {
	return int(c.Float(key, float64(def)))
}

// Bool returns a boolean config value.
func (c NodeConfig) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// String returns a string config value.
func (c NodeConfig) String(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Floats returns a numeric slice config value (e.g. a bounds vector).
func (c NodeConfig) Floats(key string, def []float64) []float64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	raw, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		switch t := e.(type) {
		case float64:
			out = append(out, t)
		case int:
			out = append(out, float64(t))
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return def
			}
			out = append(out, f)
		default:
			return def
		}
	}
	return out
}

// Node is a persisted graph node. Identity is the id; the name is purely
// cosmetic and feeds the deterministic stream topic.
type Node struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Category string     `json:"category"`
	Enabled  bool       `json:"enabled"`
	Config   NodeConfig `json:"config"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
}

// Edge is a persisted directed connection. Ports are structural placeholders
// for the canvas; routing uses only source -> target node ids.
type Edge struct {
	ID         string `json:"id"`
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// Recording is a persisted, finalized capture of a node's output frames.
type Recording struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	NodeID             string         `json:"node_id"`
	SensorID           string         `json:"sensor_id,omitempty"`
	FilePath           string         `json:"file_path"`
	FileSizeBytes      int64          `json:"file_size_bytes"`
	FrameCount         int            `json:"frame_count"`
	DurationSeconds    float64        `json:"duration_seconds"`
	RecordingTimestamp string         `json:"recording_timestamp"`
	Metadata           map[string]any `json:"metadata"`
	ThumbnailPath      string         `json:"thumbnail_path,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// CalibrationRow is a persisted calibration attempt. The timestamp is the
// immutable identity used for rollback.
type CalibrationRow struct {
	ID                   string             `json:"id"`
	SensorID             string             `json:"sensor_id"`
	ReferenceSensorID    string             `json:"reference_sensor_id"`
	Timestamp            string             `json:"timestamp"`
	Fitness              float64            `json:"fitness"`
	RMSE                 float64            `json:"rmse"`
	Quality              string             `json:"quality"`
	StagesUsed           []string           `json:"stages_used"`
	PoseBefore           map[string]float64 `json:"pose_before"`
	PoseAfter            map[string]float64 `json:"pose_after"`
	TransformationMatrix [][]float64        `json:"transformation_matrix"`
	Accepted             bool               `json:"accepted"`
	Notes                string             `json:"notes"`
}
