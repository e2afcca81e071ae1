package frame

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	f := &FrameRef{
		FrameID:   "1757000000000_gen_cam-01_1_beef",
		CameraID:  "cam-01",
		Timestamp: ts,
		Width:     1920,
		Height:    1080,
		Format:    "h264",
		SizeBytes: 345678,
		Priority:  7,
		TraceContext: map[string]string{
			"traceparent": "00-abc-def-01",
		},
		Metadata: map[string]string{
			"capability": "detection",
		},
	}

	decoded, err := FromFields(stringify(f.Fields()))
	require.NoError(t, err)

	assert.Equal(t, f.FrameID, decoded.FrameID)
	assert.Equal(t, f.CameraID, decoded.CameraID)
	assert.True(t, decoded.Timestamp.Equal(ts))
	assert.Equal(t, f.Width, decoded.Width)
	assert.Equal(t, f.Height, decoded.Height)
	assert.Equal(t, f.SizeBytes, decoded.SizeBytes)
	assert.Equal(t, f.Priority, decoded.Priority)
	assert.Equal(t, "00-abc-def-01", decoded.TraceContext["traceparent"])
	assert.Equal(t, "detection", decoded.Metadata["capability"])
}

func TestFromFieldsMissingFrameID(t *testing.T) {
	_, err := FromFields(map[string]string{"camera_id": "cam-01"})
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "frame_id", decodeErr.Field)
}

func TestFromFieldsBadNumeric(t *testing.T) {
	_, err := FromFields(map[string]string{
		"frame_id": "f-1",
		"width":    "not-a-number",
	})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "width", decodeErr.Field)
}

func TestFromFieldsTimestampFormats(t *testing.T) {
	byMillis, err := FromFields(map[string]string{
		"frame_id":  "f-1",
		"timestamp": "1700000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), byMillis.Timestamp.UnixMilli())

	byRFC, err := FromFields(map[string]string{
		"frame_id":  "f-2",
		"timestamp": "2026-03-14T15:09:26Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 2026, byRFC.Timestamp.Year())

	_, err = FromFields(map[string]string{
		"frame_id":  "f-3",
		"timestamp": "yesterday",
	})
	require.Error(t, err)
}

func TestFromFieldsPriorityClamped(t *testing.T) {
	high, err := FromFields(map[string]string{"frame_id": "f-1", "priority": "99"})
	require.NoError(t, err)
	assert.Equal(t, MaxPriority, high.Priority)

	low, err := FromFields(map[string]string{"frame_id": "f-2", "priority": "-3"})
	require.NoError(t, err)
	assert.Equal(t, MinPriority, low.Priority)
}

func TestFromFieldsPreservesUnknownFields(t *testing.T) {
	f, err := FromFields(map[string]string{
		"frame_id":     "f-1",
		"shard_hint":   "7",
		"route_reason": "capability:detection",
	})
	require.NoError(t, err)

	// Unknown fields survive into metadata; routing bookkeeping does not.
	assert.Equal(t, "7", f.Metadata["shard_hint"])
	assert.NotContains(t, f.Metadata, "route_reason")
}

func TestCapabilityFallback(t *testing.T) {
	f := &FrameRef{FrameID: "f-1"}
	assert.Equal(t, "detection", f.Capability("detection"))

	f.Metadata = map[string]string{"capability": "ocr"}
	assert.Equal(t, "ocr", f.Capability("detection"))
}

func TestNewFrameIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewFrameID("gen", "cam-01")
		require.False(t, seen[id], "duplicate frame id %s", id)
		seen[id] = true
		assert.True(t, strings.Contains(id, "_gen_cam-01_"))
	}
}

func stringify(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.(string)
	}
	return out
}
