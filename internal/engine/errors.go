package engine

import "errors"

// ErrNotFound indicates the requested container or image was not found.
var ErrNotFound = errors.New("engine: resource not found")
