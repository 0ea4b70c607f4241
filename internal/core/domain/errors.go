package domain

import "errors"

var (
	ErrUserRequired           = errors.New("user identifier is required")
	ErrInvalidLimit           = errors.New("rate limit must have positive hits and window")
	ErrRouteAlreadyRegistered = errors.New("rate limit was configured twice for route")
)

func IsInvalidLimitError(err error) bool {
	return errors.Is(err, ErrInvalidLimit)
}

func IsRouteAlreadyRegisteredError(err error) bool {
	return errors.Is(err, ErrRouteAlreadyRegistered)
}
