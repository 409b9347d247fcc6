// Package repository persists identities, sessions, blocks, security events
// and refresh tokens in MySQL, and access-token revocations in Redis.
//
// Sentinel errors let the service layer tell expected absence apart from
// store failures without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when registering an email that is taken.
var ErrEmailExists = errors.New("email already exists")

// ErrConflict is returned when a conditional update matched no row because
// the row is not in the expected state (for example an already lifted
// block).
var ErrConflict = errors.New("conflict")
