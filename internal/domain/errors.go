// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrUnavailable indicates a dependency is temporarily unable to serve requests.
var ErrUnavailable = errors.New("unavailable")
