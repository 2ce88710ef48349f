package checkpoint

import "errors"

// ErrDuplicate is returned by Put for an id that is already stored.
var ErrDuplicate = errors.New("checkpoint already exists")
