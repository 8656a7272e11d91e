package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest wraps every Execute validation failure.
	ErrInvalidRequest = errors.New("invalid execution request")
	// ErrAlreadyFinished is returned by Stop on a terminal execution.
	ErrAlreadyFinished = errors.New("execution already finished")
)

// Stage errors wrap the cause of a failure in one stage of an execution.
// Provisioning, spawn, delivery and capture failures fail the execution;
// finalize, cleanup and stop failures are logged and swallowed.

type ProvisioningError struct{ Err error }

func (e *ProvisioningError) Error() string { return "provision workspace: " + e.Err.Error() }
func (e *ProvisioningError) Unwrap() error { return e.Err }

type SpawnError struct{ Err error }

func (e *SpawnError) Error() string { return "spawn agent: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

type DeliveryError struct{ Err error }

func (e *DeliveryError) Error() string { return "deliver task: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

type CaptureError struct{ Err error }

func (e *CaptureError) Error() string { return "capture result: " + e.Err.Error() }
func (e *CaptureError) Unwrap() error { return e.Err }

type FinalizeError struct{ Err error }

func (e *FinalizeError) Error() string { return "finalize workspace: " + e.Err.Error() }
func (e *FinalizeError) Unwrap() error { return e.Err }

type CleanupError struct {
	ResourceID string
	Err        error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("clean up %s: %v", e.ResourceID, e.Err)
}
func (e *CleanupError) Unwrap() error { return e.Err }

type StopError struct {
	ProcessID string
	Err       error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop process %s: %v", e.ProcessID, e.Err)
}
func (e *StopError) Unwrap() error { return e.Err }

// IsFatal reports whether err fails the execution it occurred in.
func IsFatal(err error) bool {
	var (
		fe *FinalizeError
		ce *CleanupError
		se *StopError
	)
	if errors.As(err, &fe) || errors.As(err, &ce) || errors.As(err, &se) {
		return false
	}
	return err != nil
}
