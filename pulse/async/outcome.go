package async

// Outcome is what a unit returns: Success or Failure with a message.
// The zero Outcome is a success with no message.
type Outcome struct {
	failed  bool
	message string
}

// Success finishes the task as RUNNED
func Success(message string) Outcome {
	return Outcome{message: message}
}

// Failure finishes the task as FAILED
func Failure(message string) Outcome {
	return Outcome{failed: true, message: message}
}

// Failed reports whether the outcome is a Failure
func (o Outcome) Failed() bool { return o.failed }

// Message returns the outcome message
func (o Outcome) Message() string { return o.message }

// Status maps the outcome to its terminal status
func (o Outcome) Status() Status {
	if o.failed {
		return StatusFailed
	}
	return StatusRunned
}
