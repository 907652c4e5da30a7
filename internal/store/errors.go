// Package store holds contracts shared by the storage backends.
package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks failures where the backing store could not answer:
// connection loss, timeouts, cancelled contexts. Callers must not treat it as
// a negative answer.
var ErrUnavailable = errors.New("store: unavailable")

// Unavailable wraps err so that errors.Is(result, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
