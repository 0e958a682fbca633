package service

import "errors"

// Business failures callers are expected to branch on. Validation-class
// errors are detected before any mutation; ErrProvider surfaces only after
// the compensating refund has been posted.
var (
	ErrValidation          = errors.New("invalid generation parameters")
	ErrInsufficientBalance = errors.New("balance too low")
	ErrTooManyActive       = errors.New("too many active generations")
	ErrModelNotFound       = errors.New("model not found")
	ErrModelInactive       = errors.New("model is inactive")
	ErrProvider            = errors.New("generation provider failed")
	ErrUserBanned          = errors.New("user is banned")
	ErrUserNotFound        = errors.New("user not found")
	ErrRequestNotFound     = errors.New("generation request not found")
	ErrBusy                = errors.New("another submission is in progress")
)
