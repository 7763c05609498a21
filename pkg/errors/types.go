// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single problem found while caching an
// activity tree. Validation errors are collected, never thrown: the walker
// accumulates one per offending node and keeps going.
type ValidationError struct {
	// Source is the '/'-joined path of display names from the root to the
	// activity that owns the problem (e.g. "root/bad").
	Source string

	// ID is the activity's id within its root, if one was assigned.
	ID string

	// Property identifies the argument, variable, or delegate at fault.
	Property string

	// Message is the human-readable error description.
	Message string

	// IsWarning marks non-fatal findings (e.g. constraint warnings).
	// Warnings do not prevent a root from becoming runtime-ready.
	IsWarning bool
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	if e.Source != "" {
		sb.WriteString(e.Source)
		if e.ID != "" {
			fmt.Fprintf(&sb, " (%s)", e.ID)
		}
		sb.WriteString(": ")
	}
	if e.Property != "" {
		fmt.Fprintf(&sb, "%s: ", e.Property)
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationFailedError is returned when an operation requires a cached,
// runtime-ready root but the tree walk produced validation errors.
type ValidationFailedError struct {
	// Errors holds every error collected during the walk, warnings included.
	Errors []*ValidationError
}

// Error implements the error interface.
func (e *ValidationFailedError) Error() string {
	var first *ValidationError
	n := 0
	for _, ve := range e.Errors {
		if !ve.IsWarning {
			if first == nil {
				first = ve
			}
			n++
		}
	}
	if n == 1 {
		return fmt.Sprintf("activity validation failed: %s", first.Error())
	}
	return fmt.Sprintf("activity validation failed with %d errors", n)
}

// TimeoutError represents a host wait that expired before its operation
// was notified. The operation is removed from the queue when this is raised.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "Run", "ResumeBookmark").
	Operation string

	// Duration is how long the caller waited.
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %v", e.Operation, e.Duration)
}

// StateError represents an operation attempted in a lifecycle state that
// forbids it, including calls issued from inside a host handler frame.
type StateError struct {
	// Operation is the attempted operation.
	Operation string

	// State is the host or instance state at the time of the attempt.
	State string

	// Message explains why the operation was rejected.
	Message string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s is not valid in state %s: %s", e.Operation, e.State, e.Message)
	}
	return fmt.Sprintf("%s is not valid: %s", e.Operation, e.Message)
}

// AbortedError represents a terminally aborted instance. The instance
// handle is freed and every further host operation fails fast with this.
type AbortedError struct {
	// Reason is the error that caused the abort, if any.
	Reason error
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("workflow instance was aborted: %v", e.Reason)
	}
	return "workflow instance was aborted"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AbortedError) Unwrap() error {
	return e.Reason
}

// TerminatedError carries the reason passed to Terminate. Completion
// delivers it as the workflow's fault.
type TerminatedError struct {
	// Reason is the caller-supplied termination reason.
	Reason error
}

// Error implements the error interface.
func (e *TerminatedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("workflow was terminated: %v", e.Reason)
	}
	return "workflow was terminated"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TerminatedError) Unwrap() error {
	return e.Reason
}

// NotFoundError represents a missing resource, such as an instance id
// unknown to the store.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "instance", "owner").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PersistenceError represents an instance-store failure.
type PersistenceError struct {
	// Op is the store command that failed (e.g. "SaveWorkflow").
	Op string

	// Transient marks retryable command failures; the stores also mark a
	// load that finds the instance locked by another owner as transient.
	// A definition identity mismatch on load is not transient.
	Transient bool

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("persistence %s failed (%s): %v", e.Op, kind, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
