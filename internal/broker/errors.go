package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey rejects an empty publisher or subscriber key.
	ErrInvalidKey = errors.New("broker: empty chat key")
	// ErrInvalidID rejects the zero publisher ID.
	ErrInvalidID = errors.New("broker: zero publisher id")
	// ErrIDCollision means freshly minted IDs kept colliding with IDs already
	// in the ledger. With 128-bit random IDs it only surfaces from a broken
	// ID source.
	ErrIDCollision = errors.New("broker: publisher id collision")
)

// Error is a broker operation failure. The ledger is unchanged when it is
// returned. Err is typically a *storage.Fault.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
