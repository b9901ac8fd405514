// Package chat drives one conversation turn from the orchestrator stream into
// the conversation state.
package chat

import (
	"errors"
	"fmt"

	"github.com/geistlabs/geistai-sub001/internal/event"
)

var (
	// ErrPrematureTermination means the stream closed without an end or error event.
	ErrPrematureTermination = errors.New("connection closed before the response completed")
	// ErrIdleTimeout means no bytes arrived within the idle timeout.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrCanceled means the caller aborted the turn.
	ErrCanceled = errors.New("turn canceled")
	// ErrSuperseded means a newer turn replaced this one mid-stream.
	ErrSuperseded = errors.New("turn superseded by a newer turn")
	// ErrMissingIdentity means the request carried no caller identity.
	ErrMissingIdentity = errors.New("missing caller identity")
	// ErrEmptyMessage means the user message was blank.
	ErrEmptyMessage = errors.New("message is required")
	// ErrConversationLimit means every live conversation is streaming or watched.
	ErrConversationLimit = errors.New("too many live conversations")
)

// TransportError is fatal to the turn: the stream could not be opened or was
// lost before a terminal event.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is an explicit error event or a non-2xx status on the request
// that opened the stream.
type ServerError struct {
	event.ServerError
}

func (e *ServerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server error (status %d): %s", e.Status, e.Message)
	}
	return "server error: " + e.Message
}

// UserMessage returns the text shown in place of the assistant's content
// when a turn fails with err.
func UserMessage(err error) string {
	var serr *ServerError
	if errors.As(err, &serr) {
		return serr.UserMessage()
	}
	switch {
	case errors.Is(err, ErrPrematureTermination):
		return ErrPrematureTermination.Error()
	case errors.Is(err, ErrIdleTimeout):
		return "the response timed out"
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return "could not reach the assistant"
	}
	return "something went wrong"
}
