package resilience

import "fmt"

type Kind string

const (
	// Timeout: the attempt exceeded its wall-clock budget. Retryable.
	Timeout Kind = "timeout"
	// Unavailable: the dependency is down, erroring, or its breaker is open.
	Unavailable Kind = "unavailable"
	// Rejected: the dependency refused the request itself. Never retried.
	Rejected Kind = "rejected"
)

type Failure struct {
	Dependency string
	Kind       Kind
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Dependency, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Reject marks an error as a permanent rejection by the dependency so the
// caller skips retries and surfaces it immediately.
func Reject(dependency string, err error) *Failure {
	return &Failure{Dependency: dependency, Kind: Rejected, Err: err}
}
