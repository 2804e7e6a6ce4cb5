package llm

import (
	"sync"

	"github.com/smythos/sre/runtime/usage"
)

type (
	// EventType tags a stream event.
	EventType string

	// Event is the tagged union emitted by streaming completions. Consumers
	// receive every event kind over a single stream and branch on Type.
	Event struct {
		Type EventType
		// Content carries the text delta for EventContent.
		Content string
		// ToolCalls carries the requested invocations for EventToolInfo.
		ToolCalls []ToolCall
		// ToolResult carries the executed invocation for EventToolResult.
		ToolResult *ToolCall
		// Usage carries token accounting for EventUsage.
		Usage *usage.Event
		// Err carries the failure for EventError.
		Err error
	}

	// Stream delivers events from a streaming completion. Recv blocks until
	// the next event; the second return is false once the terminal End event
	// has been consumed. Close releases the upstream reader; it is safe to
	// call concurrently with Recv and is idempotent.
	Stream struct {
		events chan Event
		done   chan struct{}
		once   sync.Once
	}
)

const (
	// EventContent is an incremental text delta.
	EventContent EventType = "content"
	// EventToolInfo surfaces tool invocations requested by the model.
	EventToolInfo EventType = "tool_info"
	// EventToolResult surfaces an executed tool invocation with its result.
	EventToolResult EventType = "tool_result"
	// EventUsage reports token accounting for the completion.
	EventUsage EventType = "usage"
	// EventEnd terminates the stream. Exactly one End is emitted, including
	// after cancellation or an Error event.
	EventEnd EventType = "end"
	// EventError reports a terminal failure; it is always followed by End.
	EventError EventType = "error"
)

// streamBuffer is the producer-side high-water mark: producers block once the
// consumer lags this many events behind, pausing upstream reads.
const streamBuffer = 32

// NewStream returns a stream ready for one producer goroutine.
func NewStream() *Stream {
	return &Stream{
		events: make(chan Event, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Recv returns the next event. The second return is false after the stream is
// exhausted or closed.
func (s *Stream) Recv() (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-s.done:
		// Drain events raced with Close.
		select {
		case ev, ok := <-s.events:
			return ev, ok
		default:
			return Event{}, false
		}
	}
}

// Close abandons the stream. Pending producer sends fail fast so the upstream
// reader is released.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Emit delivers an event to the consumer, blocking while the consumer is at
// the high-water mark. It reports false once the consumer closed the stream.
func (s *Stream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// End emits the terminal End event and completes the stream. Producers must
// call End exactly once, including after cancellation or Error.
func (s *Stream) End() {
	s.Emit(Event{Type: EventEnd})
	close(s.events)
}

// Fail emits one Error event followed by End.
func (s *Stream) Fail(err error) {
	s.Emit(Event{Type: EventError, Err: err})
	s.End()
}

// Drain consumes the stream to completion and returns the concatenated
// content, the tool events seen, and the error event if any.
func Drain(s *Stream) (content string, events []Event, err error) {
	for {
		ev, ok := s.Recv()
		if !ok {
			return content, events, err
		}
		switch ev.Type {
		case EventContent:
			content += ev.Content
		case EventError:
			err = ev.Err
			events = append(events, ev)
		case EventEnd:
			return content, events, err
		default:
			events = append(events, ev)
		}
	}
}
