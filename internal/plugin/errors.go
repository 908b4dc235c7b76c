// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes attached to oops errors returned by this package.
const (
	CodeHandleUnavailable    = "HANDLE_UNAVAILABLE"
	CodeEntryPointMissing    = "ENTRY_POINT_MISSING"
	CodeDuplicatePlugin      = "DUPLICATE_PLUGIN"
	CodeCyclicDependency     = "CYCLIC_DEPENDENCY"
	CodeUnresolvedDependency = "UNRESOLVED_DEPENDENCY"
	CodeManagerConsumed      = "MANAGER_CONSUMED"
	CodePlanClaimed          = "PLAN_CLAIMED"
	CodeDispatcherClosed     = "DISPATCHER_CLOSED"
	CodePluginPanic          = "PLUGIN_PANIC"
	CodeDispatchCancelled    = "DISPATCH_CANCELLED"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrHandleUnavailable means the module reference could not be opened.
	ErrHandleUnavailable = errors.New("module handle unavailable")
	// ErrEntryPointMissing means the module opened but exposes no plugin.
	ErrEntryPointMissing = errors.New("plugin entry point missing")
	// ErrDuplicatePlugin is returned when a second plugin claims a loaded name.
	ErrDuplicatePlugin = errors.New("plugin already loaded")
	// ErrCyclicDependency is returned when plugins have circular dependencies.
	ErrCyclicDependency = errors.New("cyclic plugin dependency detected")
	// ErrUnresolvedDependency is returned when a dependency names no loaded plugin.
	ErrUnresolvedDependency = errors.New("plugin dependency not found")
	// ErrManagerConsumed is returned once the manager has produced a plan.
	ErrManagerConsumed = errors.New("manager already consumed by planning")
	// ErrPlanClaimed is returned when a plan is handed to a second owner.
	ErrPlanClaimed = errors.New("plan already claimed")
	// ErrDispatcherClosed is returned when dispatching on a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	// ErrPluginPanic is returned when a plugin's Run panicked during dispatch.
	ErrPluginPanic = errors.New("plugin panicked during run")
)

// LoadErrorKind distinguishes the two ways a Loader can fail.
type LoadErrorKind int

const (
	// HandleUnavailable: the module is missing or malformed.
	HandleUnavailable LoadErrorKind = iota + 1
	// EntryPointMissing: the module loaded but holds no usable plugin.
	EntryPointMissing
)

// String returns the error code for the kind.
func (k LoadErrorKind) String() string {
	switch k {
	case HandleUnavailable:
		return CodeHandleUnavailable
	case EntryPointMissing:
		return CodeEntryPointMissing
	default:
		return "UNKNOWN"
	}
}

// LoadError is returned by Loader implementations.
type LoadError struct {
	Kind LoadErrorKind
	Ref  string
	Err  error
}

// NewHandleError reports that ref could not be turned into a module handle.
func NewHandleError(ref string, err error) *LoadError {
	return &LoadError{Kind: HandleUnavailable, Ref: ref, Err: err}
}

// NewEntryPointError reports that ref has no valid plugin entry point.
func NewEntryPointError(ref string, err error) *LoadError {
	return &LoadError{Kind: EntryPointMissing, Ref: ref, Err: err}
}

func (e *LoadError) Error() string {
	var msg string
	switch e.Kind {
	case HandleUnavailable:
		msg = "cannot load module for plugin"
	case EntryPointMissing:
		msg = "module does not contain a valid plugin"
	default:
		msg = "plugin load failed"
	}
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Kind {
	case HandleUnavailable:
		errs = append(errs, ErrHandleUnavailable)
	case EntryPointMissing:
		errs = append(errs, ErrEntryPointMissing)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CycleError names the plugins forming a dependency cycle. The first and
// last entries are the same node.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Cycle, " -> "))
}

// Is reports whether target is ErrCyclicDependency.
func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}
