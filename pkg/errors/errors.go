package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

const (
	MessageUnavailable     = "system unavailable, try later"
	MessageMergeInProgress = "these records are being merged by someone else, try again shortly"
)

// ConfigurationError reports a missing or malformed MatchConfig. It is fatal to the
// operation that hit it and is never replaced by defaults.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func NewConfigurationError(msg string) *ConfigurationError {
	return &ConfigurationError{Message: msg}
}

func NewConfigurationErrorf(format string, args ...any) *ConfigurationError {
	err := fmt.Errorf(format, args...)
	return &ConfigurationError{Message: err.Error(), Err: stderrors.Unwrap(err)}
}

func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Message)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusInternalServerError, MessageUnavailable)
}

// ValidationError reports an invalid request from the caller. Not retried.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

func NewValidationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	herr := httperror.NewHTTPError(http.StatusUnprocessableEntity, e.Message)
	if e.Field != "" {
		herr = herr.AddMetaValue("field", e.Field)
	}
	return herr
}

// BackendError wraps a record store or infrastructure failure. Nothing was committed,
// so the whole operation is safe to retry.
type BackendError struct {
	Op  string
	Err error
}

// WrapBackendError classifies err as a BackendError unless it already carries one of
// the engine's error types.
func WrapBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsEngineError(err) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusServiceUnavailable, MessageUnavailable)
}

// ConcurrentMergeConflict reports that the merge lock over the given subjects could not
// be taken within the bounded wait. Retry with backoff.
type ConcurrentMergeConflict struct {
	SubjectIDs []int64
	Err        error
}

func NewConcurrentMergeConflict(ids []int64, err error) *ConcurrentMergeConflict {
	return &ConcurrentMergeConflict{SubjectIDs: ids, Err: err}
}

func (e *ConcurrentMergeConflict) Error() string {
	ids := make([]string, len(e.SubjectIDs))
	for i, id := range e.SubjectIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("concurrent merge conflict on subjects [%s]", strings.Join(ids, ", "))
}

func (e *ConcurrentMergeConflict) Unwrap() error { return e.Err }

func (e *ConcurrentMergeConflict) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, MessageMergeInProgress)
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return stderrors.As(err, &target)
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

func IsBackendError(err error) bool {
	var target *BackendError
	return stderrors.As(err, &target)
}

func IsConcurrentMergeConflict(err error) bool {
	var target *ConcurrentMergeConflict
	return stderrors.As(err, &target)
}

func IsEngineError(err error) bool {
	return IsConfigurationError(err) || IsValidationError(err) || IsBackendError(err) || IsConcurrentMergeConflict(err)
}

type httpConvertible interface {
	ToHTTPError() *httperror.HTTPError
}

// ToHTTPError maps any engine error to an HTTPError; unknown errors become a 500.
func ToHTTPError(err error) *httperror.HTTPError {
	var convertible httpConvertible
	if stderrors.As(err, &convertible) {
		return convertible.ToHTTPError()
	}
	if httperror.IsHTTPError(err) {
		return httperror.NewHTTPError(httperror.GetStatusCode(err), err.Error())
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, MessageUnavailable)
}

// UserMessage renders err for a human reviewer. Validation and lock conflicts are
// actionable and shown as-is; everything else hides internal detail.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var validation *ValidationError
	if stderrors.As(err, &validation) {
		return validation.Message
	}
	if IsConcurrentMergeConflict(err) {
		return MessageMergeInProgress
	}
	return MessageUnavailable
}
