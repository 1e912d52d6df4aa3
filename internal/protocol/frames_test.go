// ABOUTME: Tests for frame encoding, decoding, and shape validation
// ABOUTME: Covers round-trips, malformed frames, and the tagged-union invariants

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Request(t *testing.T) {
	f, err := NewRequest("req-1", "wizard.start", map[string]string{"mode": "quickstart"})
	require.NoError(t, err)

	data, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, got.Type)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, "wizard.start", got.Method)
	assert.JSONEq(t, `{"mode":"quickstart"}`, string(got.Params))
}

func TestEncodeDecode_Response(t *testing.T) {
	f, err := NewResponse("req-1", map[string]any{"done": true})
	require.NoError(t, err)

	data, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Nil(t, got.Error)
	assert.JSONEq(t, `{"done":true}`, string(got.Payload))
}

func TestEncodeDecode_ErrorResponse(t *testing.T) {
	f := NewErrorResponse("req-9", Errorf(CodeNotOwner, "session %s is owned by another device", "s-1"))

	data, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.False(t, got.OK)
	require.NotNil(t, got.Error)
	assert.Equal(t, CodeNotOwner, got.Error.Code)
	assert.Contains(t, got.Error.Message, "s-1")
}

func TestEncodeDecode_Event(t *testing.T) {
	f, err := NewEvent("workflow.approval.requested", map[string]string{"id": "a-1"})
	require.NoError(t, err)
	f.Seq = 7

	data, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, got.Type)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "workflow.approval.requested", got.Event)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"ping"}`},
		{"request without id", `{"type":"req","method":"x"}`},
		{"request without method", `{"type":"req","id":"1"}`},
		{"request with event fields", `{"type":"req","id":"1","method":"x","event":"tick"}`},
		{"response without id", `{"type":"res","ok":true}`},
		{"response both ok and error", `{"type":"res","id":"1","ok":true,"error":{"code":"internal","message":"x"}}`},
		{"response neither ok nor error", `{"type":"res","id":"1"}`},
		{"event without name", `{"type":"event","seq":1}`},
		{"event with request fields", `{"type":"event","event":"tick","id":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestSeqTracker_NoGapOnContiguousSequence(t *testing.T) {
	tr := NewSeqTracker(1)
	for seq := uint64(1); seq <= 100; seq++ {
		assert.Equal(t, DeliverInOrder, tr.Observe(seq), "seq %d", seq)
	}
	assert.Equal(t, uint64(101), tr.Expected())
}

func TestSeqTracker_GapFiresOncePerContiguousGap(t *testing.T) {
	tr := NewSeqTracker(1)
	require.Equal(t, DeliverInOrder, tr.Observe(1))
	require.Equal(t, DeliverInOrder, tr.Observe(2))

	// 3..5 lost: first frame after the gap signals it, the rest are in order.
	assert.Equal(t, DeliverGap, tr.Observe(6))
	assert.Equal(t, DeliverInOrder, tr.Observe(7))
	assert.Equal(t, DeliverInOrder, tr.Observe(8))

	// Second distinct gap fires again.
	assert.Equal(t, DeliverGap, tr.Observe(12))
	assert.Equal(t, DeliverInOrder, tr.Observe(13))
}

func TestSeqTracker_StaleAndDuplicateDropped(t *testing.T) {
	tr := NewSeqTracker(1)
	require.Equal(t, DeliverInOrder, tr.Observe(1))
	require.Equal(t, DeliverInOrder, tr.Observe(2))

	assert.Equal(t, DropStale, tr.Observe(2))
	assert.Equal(t, DropStale, tr.Observe(1))

	// Expectation unchanged by stale deliveries.
	assert.Equal(t, DeliverInOrder, tr.Observe(3))
}

func TestSeqTracker_StartsFromAdvertisedValue(t *testing.T) {
	tr := NewSeqTracker(40)
	assert.Equal(t, DropStale, tr.Observe(39))
	assert.Equal(t, DeliverInOrder, tr.Observe(40))
}
