package model

import "errors"

// Sentinel errors shared across packages. Wrap with eris and test with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTaxID        = errors.New("invalid tax id")
	ErrNotFound            = errors.New("not found")
	ErrReturnExceedsVolume = errors.New("return exceeds opportunity volume")
	ErrForbidden           = errors.New("forbidden")
)
