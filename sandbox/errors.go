// Package sandbox confines untrusted WASM skills: validation before load,
// fuel and memory ceilings per invocation, a fixed host ABI, and a syscall
// policy with audit on violation.
// sandbox 为不可信 WASM 技能提供隔离执行环境。
package sandbox

import (
	"fmt"
)

// Error is a sandbox fault with its failure-domain tag. The scheduler reads
// the tag off the completion channel to classify debts.
type Error struct {
	Tag     string // validation | capability | resource | runtime
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox(%s): %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("sandbox(%s): %s", e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Taxonomy implements the scheduler's failure-tag probe.
func (e *Error) Taxonomy() string { return e.Tag }

func validationErr(format string, args ...any) *Error {
	return &Error{Tag: "validation", Message: fmt.Sprintf(format, args...)}
}

func capabilityErr(format string, args ...any) *Error {
	return &Error{Tag: "capability", Message: fmt.Sprintf(format, args...)}
}

func resourceErr(format string, args ...any) *Error {
	return &Error{Tag: "resource", Message: fmt.Sprintf(format, args...)}
}

func runtimeErr(cause error, format string, args ...any) *Error {
	return &Error{Tag: "runtime", Message: fmt.Sprintf(format, args...), Cause: cause}
}
