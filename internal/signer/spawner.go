// Package signer describes signer processes: their TOML descriptors, the
// result channel they report on, and how the harness starts, polls and stops
// them.
package signer

import "context"

// Handle is one running signer.
type Handle interface {
	// Results delivers one batch per line the signer writes. The channel is
	// closed once the signer's output ends.
	Results() <-chan []Result
	// Stop terminates the signer and returns any results it had buffered
	// but nobody received.
	Stop() ([]Result, error)
}

type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (Handle, error)
}
