package tripsync

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func captureLog(t *testing.T, level int) *bytes.Buffer {
	previousLogger := logger
	previousLevel := GlobalLogLevel
	t.Cleanup(func() {
		logger = previousLogger
		GlobalLogLevel = previousLevel
	})

	out := &bytes.Buffer{}
	logger = log.New(out, "", 0)
	GlobalLogLevel = level
	return out
}

func TestLogFn(t *testing.T) {
	out := captureLog(t, LogLevelInfo)

	infoLog := LogFn(LogLevelInfo, "test")
	debugLog := LogFn(LogLevelDebug, "test")

	infoLog("hello %d", 7)
	debugLog("too verbose")

	assert.Equal(t, true, strings.Contains(out.String(), "test: hello 7"))
	assert.Equal(t, false, strings.Contains(out.String(), "too verbose"))

	// sub logs nest tags and carry their own level
	subLog := SubLogFn(LogLevelInfo, infoLog, "sub")
	subLog("nested")
	assert.Equal(t, true, strings.Contains(out.String(), "test: sub: nested"))
}

func TestLogFnSilentByDefault(t *testing.T) {
	out := captureLog(t, LogLevelUrgent)

	infoLog := LogFn(LogLevelInfo, "test")
	infoLog("quiet")
	assert.Equal(t, "", out.String())
}

func TestOfflineQueueFlushLogging(t *testing.T) {
	out := captureLog(t, LogLevelDebug)

	queue := NewOfflineQueueWithDefaults()
	for i := 0; i < 3; i += 1 {
		queue.Enqueue("journal", AppendEntry(NewEntry(Fields{"i": i})))
	}

	err := queue.Flush(context.Background(), func(item *PendingMutation) error {
		return nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(out.String(), "oq: replay: journal"))
	assert.Equal(t, true, strings.Contains(out.String(), "oq: replayed 3 queued mutations"))

	out.Reset()
	queue.Enqueue("journal", AppendEntry(NewEntry(Fields{})))
	err = queue.Flush(context.Background(), func(item *PendingMutation) error {
		return ErrTripNotFound
	})
	assert.Equal(t, ErrTripGone, err)
	assert.Equal(t, true, strings.Contains(out.String(), "oq: discarding 1 queued mutations, trip gone"))
}
