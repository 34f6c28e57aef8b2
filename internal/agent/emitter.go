package agent

import (
	"context"

	"milo/internal/agent/ports"
)

const chunkBuffer = 64

// emitter is the turn's side of the stream channel. Send blocks when the
// consumer falls behind so tool output stays ordered, and gives up when the
// turn context is cancelled so an abandoned stream cannot wedge the loop.
type emitter struct {
	ctx context.Context
	ch  chan ports.StreamChunk
}

func newEmitter(ctx context.Context) *emitter {
	return &emitter{ctx: ctx, ch: make(chan ports.StreamChunk, chunkBuffer)}
}

// Send delivers one chunk. It reports false when the context is done, which
// callers treat as "client went away, stop producing".
func (e *emitter) Send(chunk ports.StreamChunk) bool {
	select {
	case e.ch <- chunk:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Chunks exposes the consumer end for the transport layer.
func (e *emitter) Chunks() <-chan ports.StreamChunk { return e.ch }

// Close signals end of stream. The turn goroutine is the only sender, so a
// single close is safe.
func (e *emitter) Close() { close(e.ch) }
