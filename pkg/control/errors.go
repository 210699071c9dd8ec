package control

import "errors"

var (
	ErrBadCommand = errors.New("control: unrecognized command")
	ErrBadArgs    = errors.New("control: bad arguments")
)
