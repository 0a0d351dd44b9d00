package credentials

import "errors"

// Credential resolution errors.
var (
	// ErrCredentialsNotFound indicates the provider chain was exhausted
	// without producing a usable record.
	ErrCredentialsNotFound = errors.New("no AWS credentials found in environment, config files, or instance metadata")

	// ErrCredentialsMalformed indicates a source was present but incomplete,
	// such as AWS_SECRET_ACCESS_KEY without AWS_ACCESS_KEY_ID.
	ErrCredentialsMalformed = errors.New("malformed AWS credentials")

	// ErrAssumeRoleFailed indicates STS rejected an AssumeRole or
	// AssumeRoleWithWebIdentity call, or answered without a Credentials node.
	ErrAssumeRoleFailed = errors.New("STS assume role failed")

	// ErrImdsUnavailable indicates the instance metadata service could not be
	// reached or did not expose an IAM role.
	ErrImdsUnavailable = errors.New("instance metadata service unavailable")

	// ErrTransient indicates a network-level failure; the caller may retry.
	ErrTransient = errors.New("transient network error")
)
