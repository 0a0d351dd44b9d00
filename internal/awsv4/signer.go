package awsv4

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidTimestamp indicates a timestamp that does not match the SigV4
// shape. It is the signing-layer face of the InvalidArgument error class.
var ErrInvalidTimestamp = errors.New("invalid signing timestamp")

// =============================================================================
// Signing Input
// =============================================================================

// SigningInput describes one signable request. CanonicalURI must begin with
// "/" and be percent-encoded with slashes kept; CanonicalQueryString must be
// sorted by key then value with every component percent-encoded.
type SigningInput struct {
	// Verb is the HTTP method.
	Verb string

	// Host is the value of the Host header.
	Host string

	// CanonicalURI is the encoded request path.
	CanonicalURI string

	// CanonicalQueryString is the sorted, encoded query string without the
	// leading "?".
	CanonicalQueryString string

	// PayloadHash is the lowercase hex SHA-256 of the body, or
	// UnsignedPayload for presigned URLs.
	PayloadHash string

	// Timestamp is the request time in YYYYMMDDTHHMMSSZ form.
	Timestamp string

	// Region and Service scope the signing key.
	Region  string
	Service string

	// SecurityToken is signed as x-amz-security-token when set.
	SecurityToken string

	// RequestPayer is signed as x-amz-request-payer when set.
	RequestPayer string

	// AddContentSHA256Header controls whether x-amz-content-sha256 and
	// x-amz-date join the signed header set. Header-signed S3 requests and
	// the STS AssumeRole call set it; presigned URLs do not.
	AddContentSHA256Header bool

	// ExtraHeaders are caller-supplied headers. Only names beginning with
	// x-amz- (case-insensitive) or equal to content-md5 participate in the
	// signature; the caller's value wins over any default.
	ExtraHeaders map[string]string
}

func (in SigningInput) scope() string {
	return in.Timestamp[:8] + "/" + in.Region + "/" + in.Service + "/" + AWS4Request
}

// =============================================================================
// Canonicalization
// =============================================================================

// canonicalHeaderMap builds the sorted mapping of headers to sign.
func canonicalHeaderMap(in SigningInput) map[string]string {
	headers := map[string]string{"host": strings.TrimSpace(in.Host)}
	if in.PayloadHash != UnsignedPayload && in.AddContentSHA256Header {
		headers["x-amz-content-sha256"] = in.PayloadHash
		headers["x-amz-date"] = in.Timestamp
	}
	if in.RequestPayer != "" {
		headers["x-amz-request-payer"] = in.RequestPayer
	}
	if in.SecurityToken != "" {
		headers["x-amz-security-token"] = in.SecurityToken
	}
	for name, value := range in.ExtraHeaders {
		key := strings.ToLower(strings.TrimSpace(name))
		if strings.HasPrefix(key, "x-amz-") || key == "content-md5" {
			headers[key] = strings.TrimSpace(value)
		}
	}
	return headers
}

// CanonicalRequest assembles the canonical request string and the
// semicolon-joined signed headers list.
func CanonicalRequest(in SigningInput) (string, string) {
	headers := canonicalHeaderMap(in)

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonicalHeaders strings.Builder
	for _, k := range keys {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(headers[k])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(keys, ";")

	canonical := in.Verb + "\n" +
		in.CanonicalURI + "\n" +
		in.CanonicalQueryString + "\n" +
		canonicalHeaders.String() + "\n" +
		signedHeaders + "\n" +
		in.PayloadHash

	return canonical, signedHeaders
}

// StringToSign builds the string to sign from a canonical request.
func StringToSign(timestamp, region, service, canonicalRequest string) string {
	return Algorithm + "\n" +
		timestamp + "\n" +
		timestamp[:8] + "/" + region + "/" + service + "/" + AWS4Request + "\n" +
		SHA256Hex([]byte(canonicalRequest))
}

// =============================================================================
// Signing
// =============================================================================

// Signature computes the hex SigV4 signature for in and returns it with the
// signed headers list.
func Signature(secret string, in SigningInput) (string, string, error) {
	if !ValidTimestamp(in.Timestamp) {
		return "", "", ErrInvalidTimestamp
	}

	canonical, signedHeaders := CanonicalRequest(in)
	stringToSign := StringToSign(in.Timestamp, in.Region, in.Service, canonical)
	key := SigningKey(secret, in.Timestamp[:8], in.Region, in.Service)
	sig := SignStringToSign(key, stringToSign)
	return sig, signedHeaders, nil
}

// SignStringToSign applies the derived signing key to a prepared string to
// sign and returns the lowercase hex signature.
func SignStringToSign(signingKey []byte, stringToSign string) string {
	return hexEncode(hmacSHA256(signingKey, []byte(stringToSign)))
}

// AuthorizationHeader computes the Authorization header value for in. An
// empty secret yields an empty value: the request goes out anonymous.
func AuthorizationHeader(accessKeyID, secret string, in SigningInput) (string, error) {
	if secret == "" {
		return "", nil
	}

	sig, signedHeaders, err := Signature(secret, in)
	if err != nil {
		return "", err
	}

	return Algorithm +
		" Credential=" + accessKeyID + "/" + in.scope() +
		", SignedHeaders=" + signedHeaders +
		", Signature=" + sig, nil
}

func hexEncode(data []byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, len(data)*2)
	for i, b := range data {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0x0f]
	}
	return string(buf)
}
