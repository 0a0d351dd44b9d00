package credentials

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

const imdsCredentialJSON = `{
  "Code" : "Success",
  "LastUpdated" : "2017-07-03T16:20:17Z",
  "Type" : "AWS-HMAC",
  "AccessKeyId" : "ASIAIMDSKEY",
  "SecretAccessKey" : "imds-secret",
  "Token" : "imds-token",
  "Expiration" : "2017-07-03T22:42:58Z"
}`

func TestIMDSv2Flow(t *testing.T) {
	opts := isolatedOptions(t)

	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		switch {
		case req.Method == http.MethodPut && strings.HasSuffix(req.URL, "/latest/api/token"):
			require.Equal(t, "10", req.Headers["X-aws-ec2-metadata-token-ttl-seconds"])
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte("THE-TOKEN")}, nil
		case strings.HasSuffix(req.URL, "/latest/meta-data/iam/security-credentials/"):
			require.Equal(t, "THE-TOKEN", req.Headers["X-aws-ec2-metadata-token"])
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte("my-role\n")}, nil
		case strings.HasSuffix(req.URL, "/latest/meta-data/iam/security-credentials/my-role"):
			require.Equal(t, "THE-TOKEN", req.Headers["X-aws-ec2-metadata-token"])
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte(imdsCredentialJSON)}, nil
		}
		return nil, errors.New("unexpected URL " + req.URL)
	}}

	var iamRole string
	creds, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.NoError(t, err)
	require.Equal(t, "ASIAIMDSKEY", creds.AccessKeyID)
	require.Equal(t, "imds-secret", creds.SecretAccessKey.Value())
	require.Equal(t, "imds-token", creds.SessionToken)
	require.Equal(t, SourceEC2, creds.Source)
	require.Equal(t, "my-role", iamRole)
}

func TestIMDSv1FallbackOnTokenTimeout(t *testing.T) {
	opts := isolatedOptions(t)

	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		switch {
		case req.Method == http.MethodPut:
			// Containers without host networking time out here.
			return nil, errors.New("operation timed out")
		case strings.HasSuffix(req.URL, "/latest/meta-data/iam/security-credentials/"):
			require.NotContains(t, req.Headers, "X-aws-ec2-metadata-token")
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte("my-role")}, nil
		case strings.HasSuffix(req.URL, "/my-role"):
			require.NotContains(t, req.Headers, "X-aws-ec2-metadata-token")
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte(imdsCredentialJSON)}, nil
		}
		return nil, errors.New("unexpected URL " + req.URL)
	}}

	var iamRole string
	creds, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.NoError(t, err)
	require.Equal(t, "ASIAIMDSKEY", creds.AccessKeyID)
}

func TestIMDSRoleCachedAcrossRefreshes(t *testing.T) {
	opts := isolatedOptions(t)

	listings := 0
	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		switch {
		case req.Method == http.MethodPut:
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte("T")}, nil
		case strings.HasSuffix(req.URL, "/latest/meta-data/iam/security-credentials/"):
			listings++
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte("my-role")}, nil
		default:
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte(imdsCredentialJSON)}, nil
		}
	}}

	var iamRole string
	_, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.NoError(t, err)
	_, err = fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.NoError(t, err)
	require.Equal(t, 1, listings)
}

func TestECSTaskEndpoint(t *testing.T) {
	opts := isolatedOptions(t)
	opts.Set("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI", "/v2/credentials/uuid-42")

	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		require.Equal(t, "http://169.254.170.2/v2/credentials/uuid-42", req.URL)
		return &transport.Response{StatusCode: http.StatusOK, Body: []byte(imdsCredentialJSON)}, nil
	}}

	var iamRole string
	creds, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.NoError(t, err)
	require.Equal(t, "ASIAIMDSKEY", creds.AccessKeyID)
	// The ECS endpoint needs neither the token handshake nor role discovery.
	require.Len(t, fetcher.recorded(), 1)
}

func TestIMDSUnavailable(t *testing.T) {
	opts := isolatedOptions(t)

	fetcher := &mockFetcher{handler: func(transport.Request) (*transport.Response, error) {
		return nil, errors.New("no route to host")
	}}

	var iamRole string
	_, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.ErrorIs(t, err, ErrImdsUnavailable)
}

func TestIMDSIncompleteDocument(t *testing.T) {
	opts := isolatedOptions(t)
	opts.Set("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI", "/v2/credentials/x")

	fetcher := &mockFetcher{handler: func(transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"AccessKeyId":"only-key"}`)}, nil
	}}

	var iamRole string
	_, err := fetchInstanceCredentials(context.Background(), fetcher, opts, zerolog.Nop(), &iamRole)
	require.ErrorIs(t, err, ErrCredentialsMalformed)
}
