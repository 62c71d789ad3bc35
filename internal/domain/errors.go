package domain

import "errors"

// Domain errors
var (
	ErrNotRegistered   = errors.New("not registered")
	ErrListingNotFound = errors.New("listing not found")
	ErrUnauthorized    = errors.New("listing belongs to another player")
	ErrPlayerNotFound  = errors.New("player not found")
	ErrUnknownItem     = errors.New("unknown marketplace item")
	ErrInvalidPrice    = errors.New("price outside the allowed band")
	ErrListingLimit    = errors.New("too many active listings")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInternalError   = errors.New("internal server error")
)

// Error codes sent to clients in error messages
const (
	CodeNotRegistered  = "not_registered"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidItem    = "invalid_item"
	CodeInvalidPrice   = "invalid_price"
	CodeListingLimit   = "listing_limit"
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// ErrorCode maps an error to the code reported to clients
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return CodeNotRegistered
	case errors.Is(err, ErrListingNotFound), errors.Is(err, ErrPlayerNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrUnknownItem):
		return CodeInvalidItem
	case errors.Is(err, ErrInvalidPrice):
		return CodeInvalidPrice
	case errors.Is(err, ErrListingLimit):
		return CodeListingLimit
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrListingNotFound) || errors.Is(err, ErrPlayerNotFound)
}

// IsClientError reports whether err was caused by the request rather than the server
func IsClientError(err error) bool {
	return ErrorCode(err) != CodeInternal
}
