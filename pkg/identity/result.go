package identity

import "fmt"

// Domain failure codes carried by Result values
const (
	CodeUserNotExist = "UserNotExist"
)

// ResultError describes a domain-level failure with a stable code and a
// human-readable description
type ResultError struct {
	Code        string
	Description string
}

// Result reports the outcome of a mutating store operation. Domain failures
// (business-rule violations such as updating a nonexistent user) are carried
// here rather than in the error return, so callers branch on Succeeded
// without error handling.
type Result struct {
	Succeeded bool
	Errors    []ResultError
}

// Success returns a succeeded result
func Success() Result {
	return Result{Succeeded: true}
}

// Failed returns a failed result carrying the given errors
func Failed(errs ...ResultError) Result {
	return Result{Errors: errs}
}

// UserNotExistError builds the domain failure for updating a user id that
// was never created
func UserNotExistError(id string) ResultError {
	return ResultError{
		Code:        CodeUserNotExist,
		Description: fmt.Sprintf("user with id %s does not exist", id),
	}
}
