// Package credentials resolves AWS credentials for the S3 signing core.
// Five sources are supported, in fixed priority order: static environment
// configuration, a cached assumed role, the AWS config files, web-identity
// federation, and the EC2/ECS instance metadata services.
package credentials

import "time"

// =============================================================================
// Secret
// =============================================================================

// Secret holds a secret access key. Keeping it as a byte slice lets the
// owner overwrite the memory when the value is no longer needed.
type Secret []byte

// NewSecret copies s into a fresh Secret.
func NewSecret(s string) Secret {
	return Secret([]byte(s))
}

// Value returns the secret material.
func (s Secret) Value() string {
	return string(s)
}

// Empty reports whether no secret is held.
func (s Secret) Empty() bool {
	return len(s) == 0
}

// Zero overwrites the secret material in place.
func (s Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// Clone returns an independent copy so that zeroing one holder does not
// corrupt another.
func (s Secret) Clone() Secret {
	c := make(Secret, len(s))
	copy(c, s)
	return c
}

// String keeps the secret out of logs and %v formatting.
func (s Secret) String() string {
	if s.Empty() {
		return ""
	}
	return "****"
}

// =============================================================================
// Source
// =============================================================================

// Source tags where a credential record came from. The tag decides the
// refresh path when the record nears expiry.
type Source int

const (
	// SourceNone marks an unresolved or anonymous record.
	SourceNone Source = iota

	// SourceStatic marks environment or config-file keys with no expiry.
	SourceStatic

	// SourceAssumedRole marks temporary credentials from STS AssumeRole.
	SourceAssumedRole

	// SourceWebIdentity marks temporary credentials from STS
	// AssumeRoleWithWebIdentity.
	SourceWebIdentity

	// SourceEC2 marks temporary credentials from the instance metadata
	// service (EC2 IMDS or the ECS task endpoint).
	SourceEC2
)

// String returns the tag name used in logs and metrics labels.
func (s Source) String() string {
	switch s {
	case SourceStatic:
		return "static"
	case SourceAssumedRole:
		return "assumed_role"
	case SourceWebIdentity:
		return "web_identity"
	case SourceEC2:
		return "ec2"
	default:
		return "none"
	}
}

// Temporary reports whether records from this source carry an expiration.
func (s Source) Temporary() bool {
	switch s {
	case SourceAssumedRole, SourceWebIdentity, SourceEC2:
		return true
	}
	return false
}

// =============================================================================
// Credentials
// =============================================================================

// Credentials is one resolved credential record. SecretAccessKey is non-empty
// whenever AccessKeyID is; temporary sources always set Expiration.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey Secret
	SessionToken    string
	Expiration      time.Time
	Source          Source
}

// Anonymous reports whether the record authorizes nothing: requests signed
// with it go out without authorization material.
func (c Credentials) Anonymous() bool {
	return c.AccessKeyID == ""
}

// UsableAt reports whether the record may sign a request at the given time.
// Temporary records must not be within the refresh margin of their expiry.
func (c Credentials) UsableAt(now time.Time, margin time.Duration) bool {
	if c.Anonymous() {
		return false
	}
	if !c.Source.Temporary() {
		return true
	}
	return !c.Expiration.IsZero() && now.Before(c.Expiration.Add(-margin))
}

// Clone returns a record with its own secret buffer.
func (c Credentials) Clone() Credentials {
	c.SecretAccessKey = c.SecretAccessKey.Clone()
	return c
}

// Zero scrubs the secret material.
func (c *Credentials) Zero() {
	c.SecretAccessKey.Zero()
	c.SecretAccessKey = nil
}
