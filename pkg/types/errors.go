package types

import "errors"

// Core error taxonomy. Authentication errors terminate the connection
// after notification; everything else is reported back to the
// originating connection only.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrLinkNotFound = errors.New("access link not found")
	ErrLinkRevoked  = errors.New("access link revoked")
	ErrLinkExpired  = errors.New("access link expired")
	ErrForbidden    = errors.New("not authorized for this case")
	ErrPersistence  = errors.New("persistence failure")
	ErrBadRequest   = errors.New("malformed event")
)

// Wire codes for the error event payload.
const (
	CodeAuthRequired       = "auth_required"
	CodeLinkNotFound       = "link_not_found"
	CodeLinkRevoked        = "link_revoked"
	CodeLinkExpired        = "link_expired"
	CodeForbidden          = "forbidden"
	CodePersistenceFailure = "persistence_failure"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal_error"
)

// ErrorCode maps an error onto its wire code. Unknown errors are reported
// as internal without leaking detail to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrLinkNotFound):
		return CodeLinkNotFound
	case errors.Is(err, ErrLinkRevoked):
		return CodeLinkRevoked
	case errors.Is(err, ErrLinkExpired):
		return CodeLinkExpired
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// IsAuthError reports whether err belongs to the class of authentication
// failures that close the connection.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrLinkNotFound) ||
		errors.Is(err, ErrLinkRevoked) ||
		errors.Is(err, ErrLinkExpired)
}
