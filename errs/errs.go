// Package errs defines the closed error taxonomy carried through the
// cache and query lifecycle engine.
package errs

import "fmt"

// Tag is one of the classifications the core ever produces or consults
// for retry eligibility.
type Tag string

const (
	Network        Tag = "Network"
	Timeout        Tag = "Timeout"
	Serialization  Tag = "Serialization"
	Deserialization Tag = "Deserialization"
	TypeMismatch   Tag = "TypeMismatch"
	Storage        Tag = "Storage"
	InvalidKey     Tag = "InvalidKey"
	Cancelled      Tag = "Cancelled"
	Generic        Tag = "Generic"
)

// ClassifiedError is the error shape that crosses the fetcher port and
// is retained on a CacheEntry.
type ClassifiedError struct {
	Tag     Tag
	Message string
	cause   error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// New builds a ClassifiedError carrying no wrapped cause.
func New(tag Tag, message string) *ClassifiedError {
	return &ClassifiedError{Tag: tag, Message: message}
}

// Wrap classifies an arbitrary error under tag, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(tag Tag, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Tag: tag, Message: message, cause: cause}
}

// As extracts a *ClassifiedError from err, falling back to Generic for
// anything the fetcher didn't classify itself. Mirrors the defensive
// classify-on-boundary pattern the core relies on: every error that
// crosses into the retry loop must carry a tag.
func As(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}
	return &ClassifiedError{Tag: Generic, Message: err.Error(), cause: err}
}

// Retryable reports whether tag is ever eligible for retry given the
// policy's network/timeout toggles. Serialization, Deserialization,
// Storage, TypeMismatch, InvalidKey and Cancelled are never retried.
func (t Tag) Retryable(retryOnNetwork, retryOnTimeout bool) bool {
	switch t {
	case Network:
		return retryOnNetwork
	case Timeout:
		return retryOnTimeout
	case Serialization, Deserialization, TypeMismatch, Storage, InvalidKey, Cancelled:
		return false
	case Generic:
		return true
	default:
		return true
	}
}
