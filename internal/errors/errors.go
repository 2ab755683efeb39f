// Package errors provides structured error types for planforge.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for planforge.
const (
	// Initialization errors
	CodeNotInitialized     Code = "FORGE_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "FORGE_ALREADY_INITIALIZED"

	// Phase errors
	CodePhaseNotFound Code = "PHASE_NOT_FOUND"
	CodePrerequisite  Code = "PHASE_PREREQUISITE"
	CodePhaseBadState Code = "PHASE_INVALID_STATE"
	CodePhaseCycle    Code = "PHASE_DEPENDENCY_CYCLE"
	CodeSkipNoReason  Code = "PHASE_SKIP_NO_REASON"

	// Budget errors
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"

	// Backup errors
	CodeBackupIO       Code = "BACKUP_IO"
	CodeBackupNotFound Code = "BACKUP_NOT_FOUND"

	// Analyzer / transient errors
	CodeRateLimited Code = "ANALYZER_RATE_LIMITED"
	CodeTimeout     Code = "ANALYZER_TIMEOUT"
	CodeNetwork     Code = "ANALYZER_NETWORK"
	CodeMaxRetries  Code = "MAX_RETRIES_EXCEEDED"

	// Plan errors
	CodeNodeNotFound Code = "PLAN_NODE_NOT_FOUND"
	CodeOpNotFound   Code = "PLAN_OP_NOT_FOUND"
	CodeOpBadState   Code = "PLAN_OP_INVALID_STATE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for exit-status and retry decisions.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTransient
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:     CategoryBadRequest,
	CodeAlreadyInitialized: CategoryConflict,
	CodePhaseNotFound:      CategoryNotFound,
	CodePrerequisite:       CategoryBadRequest,
	CodePhaseBadState:      CategoryBadRequest,
	CodePhaseCycle:         CategoryBadRequest,
	CodeSkipNoReason:       CategoryBadRequest,
	CodeBudgetExceeded:     CategoryConflict,
	CodeBackupIO:           CategoryInternal,
	CodeBackupNotFound:     CategoryNotFound,
	CodeRateLimited:        CategoryTransient,
	CodeTimeout:            CategoryTransient,
	CodeNetwork:            CategoryTransient,
	CodeMaxRetries:         CategoryInternal,
	CodeNodeNotFound:       CategoryNotFound,
	CodeOpNotFound:         CategoryNotFound,
	CodeOpBadState:         CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeConfigMissing:      CategoryBadRequest,
}

// ForgeError is the structured error type for planforge.
type ForgeError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *ForgeError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ForgeError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *ForgeError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *ForgeError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Transient reports whether the error belongs to a retryable class.
func (e *ForgeError) Transient() bool {
	return e.Category() == CategoryTransient
}

// MarshalJSON implements json.Marshaler.
func (e *ForgeError) MarshalJSON() ([]byte, error) {
	type alias ForgeError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a ForgeError with the same code.
func (e *ForgeError) Is(target error) bool {
	t, ok := target.(*ForgeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *ForgeError) WithCause(err error) *ForgeError {
	return &ForgeError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an uninitialized project directory.
func ErrNotInitialized() *ForgeError {
	return &ForgeError{
		Code: CodeNotInitialized,
		What: "planforge is not initialized in this directory",
		Why:  "No .planforge/ directory found in the current path",
		Fix:  "Run 'planforge init' to initialize planforge here",
	}
}

// ErrAlreadyInitialized returns an error when planforge is already initialized.
func ErrAlreadyInitialized(path string) *ForgeError {
	return &ForgeError{
		Code: CodeAlreadyInitialized,
		What: "planforge is already initialized",
		Why:  fmt.Sprintf("Found existing .planforge/ directory at %s", path),
		Fix:  "Use 'planforge init --force' to reinitialize, or remove .planforge/ manually",
	}
}

// ErrPhaseNotFound returns an error when a phase doesn't exist.
func ErrPhaseNotFound(id string) *ForgeError {
	return &ForgeError{
		Code: CodePhaseNotFound,
		What: fmt.Sprintf("phase %s not found", id),
		Why:  "No phase with this ID is registered in the pipeline graph",
		Fix:  "Run 'planforge status' to list registered phases",
	}
}

// ErrPrerequisite returns an error when a phase is started out of order.
func ErrPrerequisite(id string, unmet []string) *ForgeError {
	return &ForgeError{
		Code: CodePrerequisite,
		What: fmt.Sprintf("phase %s cannot start", id),
		Why:  fmt.Sprintf("Prerequisites not satisfied: %s", strings.Join(unmet, ", ")),
		Fix:  "Complete or skip the listed phases first, or check the pipeline graph for ordering mistakes",
	}
}

// ErrPhaseBadState returns an error for an invalid phase transition.
func ErrPhaseBadState(id, current, wanted string) *ForgeError {
	return &ForgeError{
		Code: CodePhaseBadState,
		What: fmt.Sprintf("phase %s is in state '%s', expected '%s'", id, current, wanted),
		Why:  "The requested transition is not valid from the current state",
		Fix:  fmt.Sprintf("Check 'planforge status' for the current state of %s", id),
	}
}

// ErrPhaseCycle returns an error when phase registration would create a cycle.
func ErrPhaseCycle(id string) *ForgeError {
	return &ForgeError{
		Code: CodePhaseCycle,
		What: fmt.Sprintf("registering phase %s would create a dependency cycle", id),
		Why:  "The phase graph must be a DAG",
		Fix:  "Remove the circular prerequisite from the pipeline definition",
	}
}

// ErrSkipNoReason returns an error when a skip is requested without a reason.
func ErrSkipNoReason(id string) *ForgeError {
	return &ForgeError{
		Code: CodeSkipNoReason,
		What: fmt.Sprintf("refusing to skip phase %s without a reason", id),
		Why:  "Phases are never skipped silently",
		Fix:  "Provide a reason string for the skip",
	}
}

// ErrBudgetExceeded returns an error when a reservation is rejected.
func ErrBudgetExceeded(scope string, requested, remaining float64) *ForgeError {
	return &ForgeError{
		Code: CodeBudgetExceeded,
		What: fmt.Sprintf("budget exceeded for %s", scope),
		Why:  fmt.Sprintf("Requested $%.4f but only $%.4f remains", requested, remaining),
		Fix:  "Raise the cap in .planforge/config.yaml or reduce the document set",
	}
}

// ErrBackupIO returns an error when a snapshot fails partway.
func ErrBackupIO(id string, cause error) *ForgeError {
	return &ForgeError{
		Code:  CodeBackupIO,
		What:  fmt.Sprintf("backup %s failed", id),
		Why:   "A file could not be copied; the partial backup was discarded",
		Fix:   "Check disk space and file permissions under .planforge/backups/",
		Cause: cause,
	}
}

// ErrBackupNotFound returns an error when a restore target doesn't exist.
func ErrBackupNotFound(id string) *ForgeError {
	return &ForgeError{
		Code: CodeBackupNotFound,
		What: fmt.Sprintf("backup %s not found", id),
		Why:  "No backup with this ID exists (it may have been pruned)",
		Fix:  "Run 'planforge backups list' to see available backups",
	}
}

// ErrMaxRetries returns an error when retries are exhausted.
func ErrMaxRetries(op string, attempts int) *ForgeError {
	return &ForgeError{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("%s failed after %d attempts", op, attempts),
		Why:  "Maximum retry attempts exceeded without success",
		Fix:  "Check analyzer availability, then rerun; completed phases are not repeated",
	}
}

// ErrNodeNotFound returns an error when a plan node doesn't exist.
func ErrNodeNotFound(id string) *ForgeError {
	return &ForgeError{
		Code: CodeNodeNotFound,
		What: fmt.Sprintf("plan node %s not found", id),
		Why:  "No node with this ID exists in the plan document",
	}
}

// ErrOpNotFound returns an error when a plan operation doesn't exist.
func ErrOpNotFound(id string) *ForgeError {
	return &ForgeError{
		Code: CodeOpNotFound,
		What: fmt.Sprintf("plan operation %s not found", id),
		Why:  "No pending operation with this ID exists",
		Fix:  "Run 'planforge status' to list pending operations",
	}
}

// ErrOpBadState returns an error for an invalid operation transition.
func ErrOpBadState(id, current string) *ForgeError {
	return &ForgeError{
		Code: CodeOpBadState,
		What: fmt.Sprintf("plan operation %s is %s", id, current),
		Why:  "Only pending operations can be approved or rejected",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *ForgeError {
	return &ForgeError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .planforge/config.yaml and fix the invalid field",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *ForgeError {
	return &ForgeError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add '%s' to .planforge/config.yaml", field),
	}
}

// AsForgeError attempts to convert an error to a ForgeError.
// Returns nil if the error is not a ForgeError.
func AsForgeError(err error) *ForgeError {
	var fe *ForgeError
	if As(err, &fe) {
		return fe
	}
	return nil
}

// As is a convenience wrapper for errors.As on ForgeError targets.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*ForgeError); ok {
		if t, ok := target.(**ForgeError); ok {
			*t = fe
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a ForgeError with unknown code.
func Wrap(err error, what string) *ForgeError {
	return &ForgeError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
