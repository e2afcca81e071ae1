// Package frame defines the FrameRef routing record and its stream wire
// format. A FrameRef identifies one captured frame; it never carries pixel
// data. All routing and deduplication keys off FrameID.
package frame

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"
)

// Schema version written into every stream entry. Decoders tolerate
// entries without the field (treated as version 1).
const SchemaVersion = 1

// Priority bounds. Frames outside the range are clamped on decode.
const (
	MinPriority = 0
	MaxPriority = 10
)

// FrameRef is the unit of routing: metadata identifying one frame.
type FrameRef struct {
	FrameID      string            `json:"frame_id"`
	CameraID     string            `json:"camera_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Format       string            `json:"format"`
	SizeBytes    int64             `json:"size_bytes"`
	Priority     int               `json:"priority"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Capability returns the processing capability this frame requires,
// falling back to the supplied default when the metadata carries none.
func (f *FrameRef) Capability(def string) string {
	if f.Metadata != nil {
		if c, ok := f.Metadata["capability"]; ok && c != "" {
			return c
		}
	}
	return def
}

// DecodeError marks an entry whose fields cannot be interpreted as a
// FrameRef. Such entries are never retried; the router acks them and
// records them in the DLQ.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame decode: field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Fields serializes the FrameRef into a flat stream field map.
// Non-scalar values (trace context, metadata) are stored as JSON blobs.
func (f *FrameRef) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"v":          strconv.Itoa(SchemaVersion),
		"frame_id":   f.FrameID,
		"camera_id":  f.CameraID,
		"timestamp":  strconv.FormatInt(f.Timestamp.UnixMilli(), 10),
		"width":      strconv.Itoa(f.Width),
		"height":     strconv.Itoa(f.Height),
		"format":     f.Format,
		"size_bytes": strconv.FormatInt(f.SizeBytes, 10),
		"priority":   strconv.Itoa(f.Priority),
	}
	if len(f.TraceContext) > 0 {
		if b, err := json.Marshal(f.TraceContext); err == nil {
			fields["trace_context"] = string(b)
		}
	}
	if len(f.Metadata) > 0 {
		if b, err := json.Marshal(f.Metadata); err == nil {
			fields["metadata"] = string(b)
		}
	}
	return fields
}

// FromFields decodes a stream field map into a FrameRef. Unknown fields are
// preserved into Metadata so schema evolution never loses information.
func FromFields(fields map[string]string) (*FrameRef, error) {
	id, ok := fields["frame_id"]
	if !ok || id == "" {
		return nil, &DecodeError{Field: "frame_id", Err: fmt.Errorf("missing")}
	}

	f := &FrameRef{
		FrameID:  id,
		CameraID: fields["camera_id"],
		Format:   fields["format"],
	}

	if ts, ok := fields["timestamp"]; ok && ts != "" {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return nil, &DecodeError{Field: "timestamp", Err: err}
		}
		f.Timestamp = parsed
	}

	var err error
	if f.Width, err = parseOptionalInt(fields, "width"); err != nil {
		return nil, &DecodeError{Field: "width", Err: err}
	}
	if f.Height, err = parseOptionalInt(fields, "height"); err != nil {
		return nil, &DecodeError{Field: "height", Err: err}
	}
	if sz, ok := fields["size_bytes"]; ok && sz != "" {
		if f.SizeBytes, err = strconv.ParseInt(sz, 10, 64); err != nil {
			return nil, &DecodeError{Field: "size_bytes", Err: err}
		}
	}
	if f.Priority, err = parseOptionalInt(fields, "priority"); err != nil {
		return nil, &DecodeError{Field: "priority", Err: err}
	}
	if f.Priority < MinPriority {
		f.Priority = MinPriority
	}
	if f.Priority > MaxPriority {
		f.Priority = MaxPriority
	}

	if tc, ok := fields["trace_context"]; ok && tc != "" {
		if err := json.Unmarshal([]byte(tc), &f.TraceContext); err != nil {
			return nil, &DecodeError{Field: "trace_context", Err: err}
		}
	}
	if md, ok := fields["metadata"]; ok && md != "" {
		if err := json.Unmarshal([]byte(md), &f.Metadata); err != nil {
			return nil, &DecodeError{Field: "metadata", Err: err}
		}
	}

	// Preserve unknown fields in metadata.
	for k, v := range fields {
		switch k {
		case "v", "frame_id", "camera_id", "timestamp", "width", "height",
			"format", "size_bytes", "priority", "trace_context", "metadata",
			"routed_at", "route_reason":
		default:
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			if _, exists := f.Metadata[k]; !exists {
				f.Metadata[k] = v
			}
		}
	}

	return f, nil
}

// parseTimestamp accepts epoch milliseconds or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not epoch-ms or RFC3339: %q", s)
	}
	return t, nil
}

func parseOptionalInt(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

var frameCounter atomic.Uint64

// NewFrameID builds a globally unique, time-ordered frame identifier:
// <ms>_<source>_<camera>_<counter>_<rand>.
func NewFrameID(source, cameraID string) string {
	n := frameCounter.Add(1)
	return fmt.Sprintf("%d_%s_%s_%d_%04x",
		time.Now().UnixMilli(), source, cameraID, n, rand.Intn(0x10000))
}
