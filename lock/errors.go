package lock

import "github.com/c-pro/blobkit"

// ErrDenied is the sentinel a Lockable or Manager returns when a lock
// request is rejected by contention. It is blobkit.ErrDenied so callers
// checking errors.Is against the root package's sentinel still work when
// the error originates here.
var ErrDenied = blobkit.ErrDenied
