package server

import "errors"

var (
	ErrConfig       = errors.New("server: invalid configuration")
	ErrBackingFile  = errors.New("server: backing file")
	ErrListen       = errors.New("server: listen")
	ErrMirrorActive = errors.New("server: mirror already active")
)
