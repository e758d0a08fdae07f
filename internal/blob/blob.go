// Package blob writes small keyed objects to a bucket or a directory.
// Quarantine artifacts and archived events both go through it.
package blob

import "context"

// Store puts one object under key, replacing any previous content.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}
