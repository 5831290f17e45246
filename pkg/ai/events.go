package ai

import "time"

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	EventTextDelta   StreamEventType = "text-delta"
	EventReasoning   StreamEventType = "reasoning"
	EventPing        StreamEventType = "ping"
	EventFallbackKey StreamEventType = "fallback-key"
	EventDone        StreamEventType = "done"
)

// StreamEvent is one item of an incremental generation.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// RetryNotice describes a retry the caller may want to show.
type RetryNotice struct {
	Attempt int
	Max     int
	Delay   time.Duration
	Err     error
}

// Hooks are optional callbacks fired by vendor clients. Nil fields are
// skipped.
type Hooks struct {
	// OnRetry fires before each backoff wait.
	OnRetry func(RetryNotice)
	// OnFallbackKey fires once when the backup key takes over.
	OnFallbackKey func()
	// OnAttemptStart fires before every HTTP send, retries and the backup
	// key included.
	OnAttemptStart func()
	// OnActivity fires on the first response activity of every attempt:
	// response headers or any stream event.
	OnActivity func()
}

func (h Hooks) Retry(n RetryNotice) {
	if h.OnRetry != nil {
		h.OnRetry(n)
	}
}

func (h Hooks) FallbackKey() {
	if h.OnFallbackKey != nil {
		h.OnFallbackKey()
	}
}

func (h Hooks) AttemptStart() {
	if h.OnAttemptStart != nil {
		h.OnAttemptStart()
	}
}

func (h Hooks) Activity() {
	if h.OnActivity != nil {
		h.OnActivity()
	}
}
