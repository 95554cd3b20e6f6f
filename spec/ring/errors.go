package ring

import (
	"context"
	"errors"
	"fmt"
)

// Code is the result code carried by every reply on the wire
type Code string

const (
	CodeOK       Code = "ok"
	CodeInternal Code = "internal"
)

var (
	ErrInsufficientPeers = errorDef("insufficient_peers", "ring: no reachable peer closer to the target", true)
	ErrMaxHops           = errorDef("max_hops", "ring: max hops reached while forwarding lookup", false)
	ErrInvalidTarget     = errorDef("invalid_target", "ring: lookup target is malformed", false)

	ErrNotEnoughPeers   = errorDef("not_enough_peers", "quorum: not enough peers to corroborate", true)
	ErrObjectSuperseded = errorDef("superseded", "quorum: object superseded by a newer version", false)
	ErrItemNotFound     = errorDef("not_found", "quorum: item not found", false)

	ErrUnknownKind = errorDef("unknown_kind", "item: unknown item kind", false)

	ErrAnnounceSpoofed = errorDef("spoofed", "sync: announcement endpoint does not match sender", false)
	ErrInvalidKey      = errorDef("invalid_key", "sync: announced key is malformed", false)
	ErrDeferred        = errorDef("deferred", "sync: pull deferred until quorum is available", true)

	ErrStorageCorrupt = errorDef("storage_corrupt", "storage: stored record is corrupt", false)
)

const codeValidation Code = "validation"

// ValidationError is returned by item validators. The reason is opaque to the core
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func ErrorIsRetryable(err error) bool {
	d, ok := lookup(err, func(definition) bool { return true })
	return ok && d.retryable
}

// ErrorCode maps an error to its wire code, the inverse of ErrorFromCode
func ErrorCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	d, ok := lookup(err, func(d definition) bool { return d.code != "" })
	if !ok {
		return CodeInternal
	}
	return d.code
}

// this is needed because the wire squashes type information, so the call site
// would not be able to use errors.Is against the sentinels without it.
func ErrorFromCode(code Code, msg string) error {
	switch code {
	case CodeOK:
		return nil
	case codeValidation:
		return &ValidationError{Reason: msg}
	}
	if mapped, ok := errorCodeMap[code]; ok {
		return mapped
	}
	return fmt.Errorf("remote error: %s", msg)
}

// RegisterRetryable marks errors declared outside of this package, such as transport errors
func RegisterRetryable(err error) {
	definitions = append(definitions, definition{err: err, retryable: true})
}

type definition struct {
	code      Code
	err       error
	retryable bool
}

// definitions are only appended to during package initialization
var definitions = []definition{
	{err: context.DeadlineExceeded, retryable: true},
}

var errorCodeMap = map[Code]error{}

func errorDef(code Code, str string, retryable bool) error {
	err := errors.New(str)
	definitions = append(definitions, definition{code: code, err: err, retryable: retryable})
	errorCodeMap[code] = err
	return err
}

// lookup walks the chain of err depth first and returns the first known error accepted by match.
// The outermost error wins, and with several %w operands the leftmost one does.
func lookup(err error, match func(definition) bool) (definition, bool) {
	if err == nil {
		return definition{}, false
	}
	if _, ok := err.(*ValidationError); ok {
		return definition{code: codeValidation}, true
	}
	is, hasIs := err.(interface{ Is(error) bool })
	for _, d := range definitions {
		if !match(d) {
			continue
		}
		if err == d.err || (hasIs && is.Is(d.err)) {
			return d, true
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return lookup(u.Unwrap(), match)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if d, ok := lookup(inner, match); ok {
				return d, true
			}
		}
	}
	return definition{}, false
}
