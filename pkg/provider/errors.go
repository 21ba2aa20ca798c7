package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrImageNotFound    = errors.New("image not found")
	ErrSizeNotFound     = errors.New("size not found")
	ErrEmptyCatalog     = errors.New("empty catalog")
	ErrNodeCreate       = errors.New("node creation failed")
	ErrNodeStartTimeout = errors.New("timeout waiting for node to start")
	ErrNodeFailed       = errors.New("node failed to start")
	ErrNodeExists       = errors.New("node already in roster")
	ErrNotImplemented   = errors.New("not implemented")
)

var _ error = &ProviderError{}

// ProviderError reports a failure talking to a provider. Node and Resource are
// set when the failure concerns a single node or catalog entry.
type ProviderError struct {
	Err       error
	Provider  string
	Node      string
	Resource  string
	Available []string
	Timeout   time.Duration
	// Cause is the underlying API error, if any
	Cause error
}

func (e *ProviderError) Error() string {
	var msg string
	switch e.Err {
	case ErrUnknownProvider:
		msg = fmt.Sprintf("unknown provider %q, available providers: %s", e.Provider, strings.Join(e.Available, ", "))
	case ErrImageNotFound:
		msg = fmt.Sprintf("could not find image %q on %s", e.Resource, e.Provider)
	case ErrSizeNotFound:
		msg = fmt.Sprintf("could not find size %q on %s", e.Resource, e.Provider)
	case ErrEmptyCatalog:
		msg = fmt.Sprintf("provider %s offers no %s", e.Provider, e.Resource)
	case ErrNodeCreate:
		msg = fmt.Sprintf("failed to create node %s on %s", e.Node, e.Provider)
	case ErrNodeStartTimeout:
		msg = fmt.Sprintf("node %s on %s did not start within %s", e.Node, e.Provider, e.Timeout)
	case ErrNodeFailed:
		msg = fmt.Sprintf("node %s on %s failed to start", e.Node, e.Provider)
	case ErrNodeExists:
		msg = fmt.Sprintf("node %s is already registered in the roster", e.Node)
	default:
		msg = fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

var _ error = &NotImplementedError{}

// NotImplementedError reports an operation that a driver, or cardice itself,
// does not support. It is always a hard failure.
type NotImplementedError struct {
	Operation string
	Provider  string
}

func (e *NotImplementedError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s is not yet implemented", e.Operation)
	}
	return fmt.Sprintf("%s is not implemented by provider %s", e.Operation, e.Provider)
}

func (e *NotImplementedError) Unwrap() error {
	return ErrNotImplemented
}
