// Package errs defines the error kinds shared by the ledger and cursor
// packages (spec.md section 7). Both packages classify failures with
// errors.Is against these sentinels after wrapping the underlying cause
// with github.com/pkg/errors.
package errs

import "github.com/pkg/errors"

// Kind identifies one of the abstract error kinds from spec.md section 7.
type Kind int

const (
	// KindLogClosed marks operations attempted after the log was closed.
	KindLogClosed Kind = iota
	// KindCursorClosed marks operations attempted after a cursor was closed.
	KindCursorClosed
	// KindInvalidPosition marks a position outside the log, or a mark-delete
	// regression.
	KindInvalidPosition
	// KindStorageError marks a segment-store I/O failure.
	KindStorageError
	// KindMetadataError marks a metadata-store I/O failure.
	KindMetadataError
	// KindCancelled marks a caller-cancelled operation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindLogClosed:
		return "LogClosed"
	case KindCursorClosed:
		return "CursorClosed"
	case KindInvalidPosition:
		return "InvalidPosition"
	case KindStorageError:
		return "StorageError"
	case KindMetadataError:
		return "MetadataError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Sentinel errors for each kind. Use errors.Is to classify a returned error;
// the concrete error returned by an operation may wrap one of these with
// github.com/pkg/errors for additional context.
var (
	ErrLogClosed       = errors.New("log closed")
	ErrCursorClosed    = errors.New("cursor closed")
	ErrInvalidPosition = errors.New("invalid position")
	ErrStorageError    = errors.New("storage error")
	ErrMetadataError   = errors.New("metadata error")
	ErrCancelled       = errors.New("cancelled")
)

// KindOf classifies err against the sentinels above. It returns ok=false if
// err does not wrap one of them.
func KindOf(err error) (Kind, bool) {
	switch {
	case errors.Is(err, ErrLogClosed):
		return KindLogClosed, true
	case errors.Is(err, ErrCursorClosed):
		return KindCursorClosed, true
	case errors.Is(err, ErrInvalidPosition):
		return KindInvalidPosition, true
	case errors.Is(err, ErrStorageError):
		return KindStorageError, true
	case errors.Is(err, ErrMetadataError):
		return KindMetadataError, true
	case errors.Is(err, ErrCancelled):
		return KindCancelled, true
	default:
		return 0, false
	}
}
