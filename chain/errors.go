// Package chain provides the ControllerFacade this node's production and
// networking code drives: block assembly, transaction application, and the
// chain-state queries the Incoming Block Handler and Production Scheduler
// need. It is built on core.Blockchain, core.Mempool, and vm.Executor.
package chain

import "fmt"

// Code enumerates the controller failure categories from spec.md §7.
type Code int

const (
	ErrUnknown Code = iota
	ErrExpired
	ErrDuplicate
	ErrAuthority
	ErrAssertion
	ErrCPUExceeded
	ErrNetExceeded
	ErrDeadlineExceeded
)

func (c Code) String() string {
	switch c {
	case ErrExpired:
		return "expired"
	case ErrDuplicate:
		return "duplicate"
	case ErrAuthority:
		return "authority"
	case ErrAssertion:
		return "assertion"
	case ErrCPUExceeded:
		return "cpu_exceeded"
	case ErrNetExceeded:
		return "net_exceeded"
	case ErrDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// Classified wraps an error with the two-axis classification spec.md §7
// requires every controller failure to carry: whether the failure is
// subjective (would this node's peers necessarily see it the same way) and
// which Code describes it.
type Classified struct {
	Subjective bool
	Code       Code
	Err        error
}

func (c *Classified) Error() string {
	kind := "objective"
	if c.Subjective {
		kind = "subjective"
	}
	return fmt.Sprintf("%s %s: %v", kind, c.Code, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// Subjective builds a Classified error for a failure that depends on this
// node's own resources or timing (deadline overrun, resource exhaustion)
// rather than the chain's objective state.
func Subjective(code Code, err error) error {
	return &Classified{Subjective: true, Code: code, Err: err}
}

// Objective builds a Classified error for a failure every correctly
// functioning node would reach the same verdict on (bad signature, invalid
// nonce, unauthorized producer).
func Objective(code Code, err error) error {
	return &Classified{Subjective: false, Code: code, Err: err}
}
