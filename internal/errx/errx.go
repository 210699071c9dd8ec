// Package errx wraps sentinel errors with call-site context while keeping
// errors.Is/As working against the sentinel.
package errx

import "fmt"

// Wrap attaches err to sentinel so errors.Is(result, sentinel) and
// errors.Is(result, err) both hold.
func Wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With formats additional context after sentinel using the given format
// string and args, which may themselves contain %w verbs.
func With(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w"+format, append([]interface{}{sentinel}, args...)...)
}
