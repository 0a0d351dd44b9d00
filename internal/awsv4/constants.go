// Package awsv4 implements AWS Signature Version 4 request signing for the
// S3 and STS endpoints used by the virtual filesystem layer.
package awsv4

// =============================================================================
// Constants
// =============================================================================

const (
	// Algorithm is the algorithm identifier for AWS Signature Version 4.
	Algorithm = "AWS4-HMAC-SHA256"

	// AWS4Request is the termination string for credential scope.
	AWS4Request = "aws4_request"

	// TimestampFormat is the basic ISO-8601 layout used in signatures.
	TimestampFormat = "20060102T150405Z"

	// DateFormat is the short date layout used in credential scope.
	DateFormat = "20060102"

	// ServiceS3 is the service name for S3 requests.
	ServiceS3 = "s3"

	// ServiceSTS is the service name for Security Token Service requests.
	ServiceSTS = "sts"

	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// UnsignedPayload indicates the payload is not included in the signature.
	// Presigned URLs always use it.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// EmptyPayloadSHA256 is the SHA-256 hash of an empty payload.
	EmptyPayloadSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// DefaultPresignExpiry is the default lifetime of a presigned URL in
	// seconds.
	DefaultPresignExpiry = 3600
)

// Query parameter names carried by presigned URLs.
const (
	QueryAlgorithm     = "X-Amz-Algorithm"
	QueryCredential    = "X-Amz-Credential"
	QueryDate          = "X-Amz-Date"
	QueryExpires       = "X-Amz-Expires"
	QuerySecurityToken = "X-Amz-Security-Token"
	QuerySignedHeaders = "X-Amz-SignedHeaders"
	QuerySignature     = "X-Amz-Signature"
)
