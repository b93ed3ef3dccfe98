package service

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure marks a send/receive fault. The attempt is redelivered.
	ErrTransportFailure = errors.New("transport failure")
	// ErrMalformedMessage marks a delivery whose shape no retry can fix.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrPolicyFault marks a handler invariant violation. No decision is made.
	ErrPolicyFault = errors.New("policy fault")
)

// TransportError wraps a broker fault hit while handling a delivery
type TransportError struct {
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure sending to %s: %v", e.Destination, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransportFailure, e.Err}
}

// PolicyFault reports a message the handler cannot reason about
type PolicyFault struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *PolicyFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy fault on message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("policy fault on message %s: %s", e.MessageID, e.Reason)
}

func (e *PolicyFault) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPolicyFault}
	}
	return []error{ErrPolicyFault, e.Err}
}

// IsTransportFailure checks if err is a transport fault
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

// IsPolicyFault checks if err aborted the attempt without a decision
func IsPolicyFault(err error) bool {
	return errors.Is(err, ErrPolicyFault)
}
