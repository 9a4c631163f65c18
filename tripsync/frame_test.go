package tripsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestErrorFrameRoundTrip(t *testing.T) {
	frame := errorFrame(7, ErrTripNotFound)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Equal(t, int64(7), frame.FrameId)
	assert.Equal(t, "trip_not_found", frame.ErrorCode)
	assert.Equal(t, ErrTripNotFound, frame.Err())

	// wrapped sentinels map to their wire code
	frame = errorFrame(8, errors.Join(errors.New("context"), ErrQueueFull))
	assert.Equal(t, "queue_full", frame.ErrorCode)
	assert.Equal(t, ErrQueueFull, frame.Err())

	// unknown errors carry the text only
	frame = errorFrame(9, errors.New("disk on fire"))
	assert.Equal(t, "", frame.ErrorCode)
	assert.NotEqual(t, nil, frame.Err())

	ack := &Frame{Type: FrameTypeAck}
	assert.Equal(t, nil, ack.Err())
}
