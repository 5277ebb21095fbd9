package hsa

import "errors"

// Status is a runtime status code. It is comparable and implements error;
// success is reported as a nil error.
type Status string

func (s Status) Error() string { return string(s) }

const (
	ErrGeneric              Status = "HSA_STATUS_ERROR"
	ErrInvalidArgument      Status = "HSA_STATUS_ERROR_INVALID_ARGUMENT"
	ErrInvalidAgent         Status = "HSA_STATUS_ERROR_INVALID_AGENT"
	ErrInvalidQueue         Status = "HSA_STATUS_ERROR_INVALID_QUEUE"
	ErrInvalidQueueCreation Status = "HSA_STATUS_ERROR_INVALID_QUEUE_CREATION"
	ErrInvalidSignal        Status = "HSA_STATUS_ERROR_INVALID_SIGNAL"
	ErrOutOfResources       Status = "HSA_STATUS_ERROR_OUT_OF_RESOURCES"
)

// StatusOf extracts the Status carried by err, defaulting to ErrGeneric.
// It returns "" for a nil error.
func StatusOf(err error) Status {
	if err == nil {
		return ""
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrGeneric
}
