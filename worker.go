package peertransit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Worker performs the network exchange for one payload kind.
// Process must not panic; failures are reported through the Outcome.
type Worker interface {
	Process(ctx context.Context, item Item) Outcome
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, item Item) Outcome

// Process implements Worker.
func (f WorkerFunc) Process(ctx context.Context, item Item) Outcome {
	return f(ctx, item)
}

// Completer is implemented by workers that need to act after their item left the queue.
type Completer interface {
	AfterComplete(ctx context.Context, item Item)
}

// Registry maps payload kinds to workers.
type Registry map[PayloadKind]Worker

// Lookup returns the worker for kind.
func (r Registry) Lookup(kind PayloadKind) (Worker, error) {
	w, ok := r[kind]
	if !ok || w == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWorker, kind)
	}
	return w, nil
}

// randomWorkerID generates a short identifier for logging.
func randomWorkerID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "worker-unknown"
	}
	return "worker-" + hex.EncodeToString(buf[:])
}
