package mirror

import "errors"

var (
	ErrDial         = errors.New("mirror: dial upstream")
	ErrHello        = errors.New("mirror: read upstream hello")
	ErrSizeMismatch = errors.New("mirror: upstream size mismatch")
	ErrReplicate    = errors.New("mirror: replicate range")
)
