package repository

import "errors"

var (
	ErrInsufficientBalance = errors.New("balance too low")
	ErrTooManyActive       = errors.New("too many active generations")
	ErrTrialExhausted      = errors.New("trial allowance exhausted")
	ErrRequestNotFound     = errors.New("generation request not found")
)
