package deploy

import "errors"

// ValidationError rejects a request before any side effect
type ValidationError struct {
	PipelineID string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	return "pipeline " + e.PipelineID + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ErrSourceFailed is returned when the source connector reports FAILED while
// waiting for it to become ready
var ErrSourceFailed = errors.New("source connector failed")
