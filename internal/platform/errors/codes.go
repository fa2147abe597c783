// Package errors provides structured error handling with stable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeAPIKeyInvalid      Code = "API_KEY_INVALID"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountDisabled    Code = "ACCOUNT_DISABLED"

	// Authorization errors
	CodeForbidden           Code = "FORBIDDEN"
	CodeMembershipNotActive Code = "MEMBERSHIP_NOT_ACTIVE"
	CodeOwnerProtected      Code = "OWNER_PROTECTED"
	CodeSelfRemoval         Code = "SELF_REMOVAL"

	// Conflict errors
	CodeAlreadyMember  Code = "ALREADY_MEMBER"
	CodeAlreadyInvited Code = "ALREADY_INVITED"
	CodeAlreadyLinked  Code = "ALREADY_LINKED"
	CodeEmailTaken     Code = "EMAIL_TAKEN"
	CodeLastAuthMethod Code = "LAST_AUTH_METHOD"

	// Not-found errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeMemberNotFound     Code = "MEMBER_NOT_FOUND"
	CodeInvitationNotFound Code = "INVITATION_NOT_FOUND"
	CodeCredentialNotFound Code = "CREDENTIAL_NOT_FOUND"

	// Session errors
	CodeTokenInvalid  Code = "TOKEN_INVALID"
	CodeTokenExpired  Code = "TOKEN_EXPIRED"
	CodeTokenConsumed Code = "TOKEN_CONSUMED"

	// Passkey ceremony errors
	CodeChallengeConsumed       Code = "CHALLENGE_CONSUMED"
	CodeCredentialNotRecognized Code = "CREDENTIAL_NOT_RECOGNIZED"
	CodeVerificationFailed      Code = "VERIFICATION_FAILED"

	// Social federation errors
	CodeProviderUnsupported Code = "PROVIDER_UNSUPPORTED"
	CodeProviderDisabled    Code = "PROVIDER_DISABLED"
	CodeExchangeFailed      Code = "EXCHANGE_FAILED"
	CodeNoIDToken           Code = "NO_ID_TOKEN"
	CodeNoAccessToken       Code = "NO_ACCESS_TOKEN"
	CodeEmailUnavailable    Code = "EMAIL_UNAVAILABLE"
	CodeProviderTokenBad    Code = "PROVIDER_TOKEN_INVALID"

	// Validation errors
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeUserEmptyEmail   Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"
	CodeInvalidRole      Code = "INVALID_ROLE"

	// Infrastructure errors
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes at the API boundary.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input, spent one-shot artifacts
	case CodeInvalidArgument,
		CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodeInvalidRole,
		CodeSelfRemoval,
		CodeProviderUnsupported,
		CodeProviderDisabled,
		CodeChallengeConsumed,
		CodeLastAuthMethod:
		return http.StatusBadRequest

	// Unauthorized - missing or failed authentication
	case CodeUnauthenticated,
		CodeAPIKeyInvalid,
		CodeInvalidCredentials,
		CodeAccountDisabled,
		CodeTokenInvalid,
		CodeTokenExpired,
		CodeTokenConsumed,
		CodeCredentialNotRecognized,
		CodeVerificationFailed:
		return http.StatusUnauthorized

	// Forbidden - authenticated but not authorized
	case CodeForbidden,
		CodeMembershipNotActive,
		CodeOwnerProtected:
		return http.StatusForbidden

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeMemberNotFound,
		CodeInvitationNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	// Conflict - unique resource constraint
	case CodeAlreadyMember,
		CodeAlreadyInvited,
		CodeAlreadyLinked,
		CodeEmailTaken:
		return http.StatusConflict

	// BadGateway - upstream identity provider failure
	case CodeExchangeFailed,
		CodeNoIDToken,
		CodeNoAccessToken,
		CodeEmailUnavailable,
		CodeProviderTokenBad:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
