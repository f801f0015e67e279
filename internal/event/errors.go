package event

import (
	"errors"
	"fmt"
)

// Drop causes recorded on the drop counter. Dropped events are acknowledged:
// they are never retried and never reach the DLQ.
const (
	DropInvalidToken          = "invalid_token"
	DropMalformed             = "malformed"
	DropTransformation        = "transformation_dropped"
	DropCookielessFiltered    = "cookieless_filtered"
	DropInvalidEventUUID      = "invalid_event_uuid"
	DropPersonProcessingOff   = "invalid_event_when_process_person_profile_is_false"
	DropMessageSizeTooLarge   = "message_size_too_large"
	DropEmptyDistinctID       = "empty_distinct_id"
)

// Ingestion warning types surfaced on the warnings topic.
const (
	WarnInvalidEventUUID          = "invalid_event_uuid"
	WarnInvalidHeatmapData        = "invalid_heatmap_data"
	WarnInvalidProcessPerson      = "invalid_process_person_profile"
	WarnTimestampInFuture         = "event_timestamp_in_future"
	WarnIgnoredInvalidTimestamp   = "ignored_invalid_timestamp"
	WarnMessageSizeTooLarge       = "message_size_too_large"
	WarnIllegalDistinctIDForMerge = "cannot_merge_with_illegal_distinct_id"
	WarnGroupTypePropertyInvalid  = "group_type_property_invalid"
)

// DroppedError signals that an event terminated as a counted drop rather
// than an enriched record. It is a benign terminal state, not a failure.
type DroppedError struct {
	Cause          string
	Details        map[string]any
	DoNotSendToDLQ bool
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("event dropped: %s", e.Cause)
}

// Dropped builds a DroppedError for the given cause.
func Dropped(cause string) *DroppedError {
	return &DroppedError{Cause: cause}
}

// DroppedWithDetails builds a DroppedError carrying a details map.
func DroppedWithDetails(cause string, details map[string]any) *DroppedError {
	return &DroppedError{Cause: cause, Details: details}
}

// AsDropped extracts a DroppedError from an error chain.
func AsDropped(err error) (*DroppedError, bool) {
	var de *DroppedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Error codes for classified pipeline failures. All three are retryable;
// failures without a code (serialization, misconfiguration) are not and
// route straight to the DLQ.
const (
	ErrCodePersonUpdateConflict = "PERSON_UPDATE_CONFLICT"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeProducerUnavailable  = "PRODUCER_UNAVAILABLE"
)

// PipelineError is a classified failure raised by a pipeline component. The
// consumer uses the Retryable flag to decide between batch retry and DLQ.
type PipelineError struct {
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches pipeline errors by code.
func (e *PipelineError) Is(target error) bool {
	var pe *PipelineError
	if errors.As(target, &pe) {
		return e.Code == pe.Code
	}
	return false
}

// NewPipelineError builds a classified error; retryability follows the code.
func NewPipelineError(code, message string, cause error) *PipelineError {
	retryable := false
	switch code {
	case ErrCodePersonUpdateConflict, ErrCodeStoreUnavailable, ErrCodeProducerUnavailable:
		retryable = true
	}
	return &PipelineError{Code: code, Message: message, Cause: cause, Retryable: retryable}
}

// IsRetryable reports whether err should cause the consumer to retry the
// batch instead of routing to the DLQ.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
