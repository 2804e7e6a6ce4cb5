// Package usage implements the process-wide metering bus. LLM connectors
// publish one event per completed request on the USAGE:LLM channel; billing
// and observability code subscribes without coupling to any provider.
package usage

import (
	"context"
	"sync"

	"goa.design/clue/log"
)

// ChannelLLM is the channel name for LLM token consumption events.
const ChannelLLM = "USAGE:LLM"

type (
	// KeySource records whose credentials served the request.
	KeySource string

	// Event describes token consumption for a single model completion.
	Event struct {
		// SourceID identifies the metered source, e.g. "llm:gpt-4o".
		SourceID string `json:"sourceId"`
		// InputTokens counts prompt tokens.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts completion tokens.
		OutputTokens int `json:"output_tokens"`
		// InputTokensCacheRead counts prompt tokens served from provider cache.
		InputTokensCacheRead int `json:"input_tokens_cache_read"`
		// InputTokensCacheWrite counts prompt tokens written to provider cache.
		InputTokensCacheWrite int `json:"input_tokens_cache_write"`
		// KeySource is User when the API key came from the caller's vault,
		// Smyth otherwise.
		KeySource KeySource `json:"keySource"`
		// AgentID identifies the agent whose request consumed the tokens.
		AgentID string `json:"agentId"`
		// TeamID identifies the team billed for the consumption.
		TeamID string `json:"teamId"`
	}

	// Bus fans events out to subscribers per channel. Publishing never blocks:
	// events to slow subscribers are dropped with a warning, so metering can
	// never stall an inference path.
	Bus struct {
		mu   sync.RWMutex
		subs map[string][]chan Event
	}
)

const (
	// KeySourceUser marks requests served with a caller-vault key.
	KeySourceUser KeySource = "User"
	// KeySourceSmyth marks requests served with runtime-owned credentials.
	KeySourceSmyth KeySource = "Smyth"
)

// subscriberBuffer bounds the per-subscriber event queue.
const subscriberBuffer = 64

// NewBus returns an empty usage bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a consumer on the channel and returns the event stream
// plus a cancel function. The stream is closed on cancel.
func (b *Bus) Subscribe(channel string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[channel]
			for i, sub := range subs {
				if sub == ch {
					b.subs[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the channel. Events to
// subscribers with full buffers are dropped.
func (b *Bus) Publish(ctx context.Context, channel string, event Event) {
	b.mu.RLock()
	subs := make([]chan Event, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			log.Warn(ctx, log.KV{K: "msg", V: "usage event dropped: slow subscriber"}, log.KV{K: "channel", V: channel})
		}
	}
}
