package solver

import "fmt"

// Reason is a typed failure reason reported at the adapter boundary, so the
// recovery layer never has to guess from message text.
type Reason string

const (
	ReasonUnavailable Reason = "unavailable"
	ReasonCrashed     Reason = "crashed"
	ReasonTimeout     Reason = "timeout"
	ReasonOutOfMemory Reason = "out_of_memory"
	ReasonResources   Reason = "resources"
	ReasonNetwork     Reason = "network"
	ReasonBadConfig   Reason = "bad_config"
	ReasonBadModel    Reason = "bad_model"
	ReasonCancelled   Reason = "cancelled"
)

// Failure is the error type all adapters return.
type Failure struct {
	Solver string
	Reason Reason
	Msg    string
	Err    error
}

func (f *Failure) Error() string {
	msg := f.Msg
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Solver == "" {
		return fmt.Sprintf("solver failure (%s): %s", f.Reason, msg)
	}
	return fmt.Sprintf("solver %s (%s): %s", f.Solver, f.Reason, msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the same solver is worth retrying.
func (f *Failure) Retryable() bool {
	switch f.Reason {
	case ReasonBadModel, ReasonBadConfig, ReasonCancelled, ReasonUnavailable:
		return false
	}
	return true
}
