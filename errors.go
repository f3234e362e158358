package deepstream

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors for client state.
var (
	ErrClientClosed = errors.New("client connection is closed")
	ErrNotReady     = errors.New("record is not ready")
)

// Error is a runtime error event: something the hub or a timer reported
// asynchronously, carrying the topic it happened on and its classification.
type Error struct {
	Topic   Topic
	Event   Event
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Event, e.Message, e.Topic.Name())
}

// RecordDestroyedError is returned when an operation is attempted on a
// record that has been discarded or deleted.
type RecordDestroyedError struct {
	Record string
	Method string
}

func (e *RecordDestroyedError) Error() string {
	return fmt.Sprintf("record %q was destroyed, cannot call %s; retrieve it again", e.Record, e.Method)
}

// AnonymousRecordUninitializedError is returned when an anonymous record is
// used before SetName bound it to an underlying record.
type AnonymousRecordUninitializedError struct {
	Method string
}

func (e *AnonymousRecordUninitializedError) Error() string {
	return fmt.Sprintf("cannot call %s before SetName on an anonymous record", e.Method)
}

// RuntimeErrorHandler receives every asynchronous error the SDK cannot
// return to a direct caller: ack and response timeouts, parse failures,
// unsolicited messages and server-sent errors.
type RuntimeErrorHandler func(topic Topic, event Event, message string)

// LogRuntimeErrors returns a RuntimeErrorHandler that logs every error to
// the given structured logger.
func LogRuntimeErrors(logger *slog.Logger) RuntimeErrorHandler {
	return func(topic Topic, event Event, message string) {
		logger.Error("deepstream runtime error",
			"topic", topic.Name(),
			"event", string(event),
			"message", message,
		)
	}
}
