// Package s3 binds buckets and object keys to signable requests against an
// S3-compatible endpoint, and recovers from the redirect-class errors S3
// answers with when a request lands on the wrong region or endpoint.
package s3

import (
	"encoding/xml"
	"errors"
	"strings"
)

// Typed S3 request errors.
var (
	// ErrAccessDenied maps the AccessDenied error code.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound maps the NoSuchBucket error code.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrObjectNotFound maps the NoSuchKey error code.
	ErrObjectNotFound = errors.New("object not found")

	// ErrSignatureDoesNotMatch maps the SignatureDoesNotMatch error code.
	ErrSignatureDoesNotMatch = errors.New("signature does not match")

	// ErrAWS is the fallback for every other AWS error code.
	ErrAWS = errors.New("AWS error")

	// ErrInvalidArgument indicates a bad caller-supplied value, such as a
	// malformed presign start date.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a classified S3 error response.
type Error struct {
	// Code is the S3 error code from the XML body.
	Code string

	// Message is the human-readable message, when present.
	Message string

	kind error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// Unwrap exposes the typed sentinel so errors.Is works on classified errors.
func (e *Error) Unwrap() error {
	return e.kind
}

// errorResponse mirrors the S3 <Error> document.
type errorResponse struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Region   string   `xml:"Region"`
	Endpoint string   `xml:"Endpoint"`
}

// parseErrorResponse decodes an S3 XML error body. It returns false when the
// body is not an S3 error document at all.
func parseErrorResponse(body []byte) (errorResponse, bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "<?xml") && !strings.HasPrefix(trimmed, "<Error>") {
		return errorResponse{}, false
	}
	var resp errorResponse
	if err := xml.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		return errorResponse{}, false
	}
	return resp, true
}

// classify maps an S3 error code to its typed error.
func classify(resp errorResponse) *Error {
	kind := ErrAWS
	switch resp.Code {
	case "AccessDenied":
		kind = ErrAccessDenied
	case "NoSuchBucket":
		kind = ErrBucketNotFound
	case "NoSuchKey":
		kind = ErrObjectNotFound
	case "SignatureDoesNotMatch":
		kind = ErrSignatureDoesNotMatch
	}
	return &Error{Code: resp.Code, Message: resp.Message, kind: kind}
}
