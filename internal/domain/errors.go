package domain

import (
	"errors"

	"catequiz.org/internal/codec"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrExpired          = errors.New("expired")
	ErrAlreadyUsed      = errors.New("already used")
	ErrGeneration       = errors.New("question generation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")

	// ErrCorrupt is returned when a stored record exists but does not decode.
	ErrCorrupt = codec.ErrCorrupt
)
