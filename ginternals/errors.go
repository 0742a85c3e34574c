package ginternals

import "errors"

var (
	// ErrObjectNotFound is an error corresponding to a git object not
	// being found
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectCorrupted is an error corresponding to a git object that
	// cannot be parsed because its on-disk representation is damaged
	ErrObjectCorrupted = errors.New("object corrupted")

	// ErrInvalidArgument is an error returned when a method is called
	// with an argument it cannot work with
	ErrInvalidArgument = errors.New("invalid argument")
)
