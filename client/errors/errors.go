package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	// StoreError indicates an I/O or constraint failure in the update database
	StoreError Type = iota + 1

	// NetworkError indicates a manifest or asset could not be fetched, including timeouts
	NetworkError

	// VerificationError indicates downloaded content does not match its expected hash
	VerificationError

	// NoLaunchableUpdate indicates no stored update can be launched by this runtime
	NoLaunchableUpdate

	// MissingAsset indicates an asset of the selected update has no file on disk
	MissingAsset

	// LoadInProgress indicates another load attempt is already running on the loader
	LoadInProgress

	// NotFound indicates a requested update or asset does not exist in the store
	NotFound

	// AlreadyExists indicates an update with the same id is already stored
	AlreadyExists

	// IllegalTransition indicates a status change the update lifecycle does not allow
	IllegalTransition

	// InvalidManifest indicates a manifest document could not be normalised into an update
	InvalidManifest

	// InvalidConfig indicates the supplied configuration is unusable
	InvalidConfig
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case StoreError:
		return "StoreError"
	case NetworkError:
		return "NetworkError"
	case VerificationError:
		return "VerificationError"
	case NoLaunchableUpdate:
		return "NoLaunchableUpdate"
	case MissingAsset:
		return "MissingAsset"
	case LoadInProgress:
		return "LoadInProgress"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case IllegalTransition:
		return "IllegalTransition"
	case InvalidManifest:
		return "InvalidManifest"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Type(%d)", int32(t))
	}
}

// Error is a typed error of the update engine. Cause carries the underlying failure, if any.
type Error struct {
	ErrorType Type
	Message   string
	Cause     error
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf returns Error(errorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// Wrap returns an Error of errorType with cause attached. A nil cause yields nil.
func Wrap(errorType Type, cause error, format string, a ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
		Cause:     cause,
	}
}

// FromError returns the outermost Error in err's chain, if any.
func FromError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries an Error of errorType anywhere in its chain.
func IsType(err error, errorType Type) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.ErrorType == errorType {
			return true
		}
		err = e.Cause
	}
	return false
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

// FormatErrorOrNil installs the compact formatter on err and returns nil when it holds no errors.
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
