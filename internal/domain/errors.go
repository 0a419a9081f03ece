// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is not in a state that permits the operation.
var ErrConflict = errors.New("conflict: resource is not in the expected state")

// ErrValidation indicates malformed or incomplete input.
var ErrValidation = errors.New("validation failed")

// ErrPolicyDenied indicates the policy gate denied the operation.
var ErrPolicyDenied = errors.New("policy denied")
