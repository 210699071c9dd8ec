package main

import "errors"

// Serve errors
var (
	ErrMissingFile  = errors.New("--file is required")
	ErrBuildServer  = errors.New("building server")
	ErrServerFailed = errors.New("server exited with error")
)

// Control-client errors (acl, mirror, status)
var (
	ErrMissingSock   = errors.New("--sock is required")
	ErrDialControl   = errors.New("dialing control socket")
	ErrControlDenied = errors.New("control command rejected")
)

// Read/write client errors
var (
	ErrMissingAddr  = errors.New("--addr is required")
	ErrMissingSize  = errors.New("--size is required")
	ErrDialUpstream = errors.New("dialing upstream")
)
