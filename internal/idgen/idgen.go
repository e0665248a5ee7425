// Package idgen generates the opaque, universally-unique container keys
// the packed store layers need when no existing container can accommodate
// a new entry.
package idgen

import "github.com/google/uuid"

// New returns a fresh opaque identifier suitable for use as a container's
// physical key segment.
func New() string {
	return uuid.NewString()
}
