package block

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by loads that stopped because the block was no
// longer wanted.  It is a normal early exit, not a failure.
var ErrCancelled = errors.New("block load cancelled")

// ErrorKind classifies load failures.
type ErrorKind uint8

const (
	// KindIO is a backing-store read failure.
	KindIO ErrorKind = iota + 1

	// KindDecode is a corrupt or unsupported chunk.
	KindDecode

	// KindMissing is a chunk absent from the backing store.
	KindMissing
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "I/O error"
	case KindDecode:
		return "decode error"
	case KindMissing:
		return "missing block"
	default:
		return "unknown error"
	}
}

// LoadError is returned by Source.LoadBlock on failure.
type LoadError struct {
	Key  Key
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s loading %s: %v", e.Kind, e.Key, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IOError wraps a backing-store failure for a key.
func IOError(k Key, err error) error {
	return &LoadError{Key: k, Kind: KindIO, Err: err}
}

// DecodeError wraps a decoding failure for a key.
func DecodeError(k Key, err error) error {
	return &LoadError{Key: k, Kind: KindDecode, Err: err}
}

// MissingError reports a key absent from the backing store.
func MissingError(k Key, err error) error {
	return &LoadError{Key: k, Kind: KindMissing, Err: err}
}

// ErrorKindOf returns the kind of a load error or 0 if err is not a *LoadError.
func ErrorKindOf(err error) ErrorKind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}
