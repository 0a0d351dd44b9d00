package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

// mockFetcher records requests and answers them through a handler.
type mockFetcher struct {
	mu       sync.Mutex
	requests []transport.Request
	handler  func(req transport.Request) (*transport.Response, error)
}

func (m *mockFetcher) Fetch(_ context.Context, req transport.Request) (*transport.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.handler == nil {
		return nil, errors.New("no handler")
	}
	return m.handler(req)
}

func (m *mockFetcher) recorded() []transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Request(nil), m.requests...)
}

func (m *mockFetcher) countURLContaining(substr string) int {
	n := 0
	for _, r := range m.recorded() {
		if strings.Contains(r.URL, substr) {
			n++
		}
	}
	return n
}

func assumeRoleXML(expiration string) []byte {
	return []byte(fmt.Sprintf(`<AssumeRoleResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleResult>
    <Credentials>
      <AccessKeyId>ASIATEMPKEY</AccessKeyId>
      <SecretAccessKey>temp-secret</SecretAccessKey>
      <SessionToken>temp-token</SessionToken>
      <Expiration>%s</Expiration>
    </Credentials>
  </AssumeRoleResult>
</AssumeRoleResponse>`, expiration))
}

// isolatedOptions returns options detached from the process environment and
// the real ~/.aws files.
func isolatedOptions(t *testing.T) *config.Options {
	t.Helper()
	dir := t.TempDir()
	opts := config.New()
	for _, key := range []string{
		"AWS_NO_SIGN_REQUEST", "AWS_SECRET_ACCESS_KEY", "AWS_ACCESS_KEY_ID",
		"AWS_SESSION_TOKEN", "AWS_REGION", "AWS_DEFAULT_REGION",
		"AWS_PROFILE", "AWS_DEFAULT_PROFILE", "AWS_ROLE_ARN",
		"AWS_WEB_IDENTITY_TOKEN_FILE", "AWS_CONTAINER_CREDENTIALS_RELATIVE_URI",
		"AWS_TIMESTAMP", "AWS_HTTPS", "AWS_ROLE_SESSION_NAME",
		"AWS_STS_REGION", "AWS_STS_ENDPOINT", "AWS_STS_REGIONAL_ENDPOINTS",
		"AWS_STS_ROOT_URL", "AWS_EC2_API_ROOT_URL", "AWS_WEB_IDENTITY_ENABLE",
	} {
		opts.Set(key, "")
	}
	opts.Set("AWS_CREDENTIALS_FILE", dir+"/credentials")
	opts.Set("AWS_CONFIG_FILE", dir+"/config")
	// Keep the instance-metadata probe deterministic under the mock fetcher.
	opts.Set("AWS_AUTODETECT_EC2", "NO")
	return opts
}

func newTestBroker(fetcher transport.Fetcher) *Broker {
	return NewBroker(fetcher, zerolog.Nop(), nil)
}

func TestResolveNoSignRequest(t *testing.T) {
	opts := isolatedOptions(t)
	opts.Set("AWS_NO_SIGN_REQUEST", "YES")
	// Even configured static keys stay unused.
	opts.Set("AWS_SECRET_ACCESS_KEY", "secret")
	opts.Set("AWS_ACCESS_KEY_ID", "key")

	creds, region, err := newTestBroker(nil).Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, creds.Anonymous())
	require.Equal(t, "us-east-1", region)
}

func TestResolveStaticEnvironment(t *testing.T) {
	opts := isolatedOptions(t)
	opts.Set("AWS_SECRET_ACCESS_KEY", "env-secret")
	opts.Set("AWS_ACCESS_KEY_ID", "env-key")
	opts.Set("AWS_SESSION_TOKEN", "env-token")
	opts.Set("AWS_REGION", "ap-southeast-2")

	creds, region, err := newTestBroker(nil).Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "env-key", creds.AccessKeyID)
	require.Equal(t, "env-secret", creds.SecretAccessKey.Value())
	require.Equal(t, "env-token", creds.SessionToken)
	require.Equal(t, SourceStatic, creds.Source)
	require.Equal(t, "ap-southeast-2", region)
}

func TestResolveSecretWithoutAccessKeyID(t *testing.T) {
	opts := isolatedOptions(t)
	opts.Set("AWS_SECRET_ACCESS_KEY", "env-secret")

	_, _, err := newTestBroker(nil).Resolve(context.Background(), opts)
	require.ErrorIs(t, err, ErrCredentialsMalformed)
}

func TestResolveStaticShadowsConfigFile(t *testing.T) {
	opts := isolatedOptions(t)
	writeFile(t, strings.TrimSuffix(opts.Get("AWS_CREDENTIALS_FILE"), "/credentials"), "credentials", `
[default]
aws_access_key_id = file-key
aws_secret_access_key = file-secret
`)
	opts.Set("AWS_SECRET_ACCESS_KEY", "env-secret")
	opts.Set("AWS_ACCESS_KEY_ID", "env-key")

	creds, _, err := newTestBroker(nil).Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "env-key", creds.AccessKeyID)
}

func TestResolveConfigFileStaticKeys(t *testing.T) {
	opts := isolatedOptions(t)
	writeFile(t, strings.TrimSuffix(opts.Get("AWS_CREDENTIALS_FILE"), "/credentials"), "credentials", `
[default]
aws_access_key_id = file-key
aws_secret_access_key = file-secret
`)

	creds, _, err := newTestBroker(nil).Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "file-key", creds.AccessKeyID)
	require.Equal(t, SourceStatic, creds.Source)
}

func TestResolveChainExhausted(t *testing.T) {
	opts := isolatedOptions(t)
	fetcher := &mockFetcher{handler: func(transport.Request) (*transport.Response, error) {
		return nil, errors.New("connection refused")
	}}

	_, _, err := newTestBroker(fetcher).Resolve(context.Background(), opts)
	require.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestResolveAssumedRoleCachingAndRefresh(t *testing.T) {
	opts := isolatedOptions(t)
	dir := strings.TrimSuffix(opts.Get("AWS_CREDENTIALS_FILE"), "/credentials")
	writeFile(t, dir, "credentials", `
[source]
aws_access_key_id = source-key
aws_secret_access_key = source-secret
`)
	writeFile(t, dir, "config", `
[default]
role_arn = arn:aws:iam::123456789012:role/demo
source_profile = source
`)

	expiration := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: http.StatusOK,
			Body:       assumeRoleXML("2026-06-01T00:00:00Z"),
		}, nil
	}}

	broker := newTestBroker(fetcher)
	broker.SetNow(func() time.Time { return expiration.Add(-2 * time.Hour) })

	creds, _, err := broker.Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "ASIATEMPKEY", creds.AccessKeyID)
	require.Equal(t, SourceAssumedRole, creds.Source)
	require.Equal(t, expiration, creds.Expiration)
	require.Equal(t, 1, fetcher.countURLContaining("Action=AssumeRole"))

	// Well before expiry the cached set is reused without a new STS call.
	broker.SetNow(func() time.Time { return expiration.Add(-120 * time.Second) })
	creds, _, err = broker.Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "ASIATEMPKEY", creds.AccessKeyID)
	require.Equal(t, 1, fetcher.countURLContaining("Action=AssumeRole"))

	// Within the 60 s margin a refresh happens.
	broker.SetNow(func() time.Time { return expiration.Add(-30 * time.Second) })
	creds, _, err = broker.Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.countURLContaining("Action=AssumeRole"))
	require.True(t, creds.UsableAt(expiration.Add(-2*time.Hour), RefreshMargin))
}

func TestResolveWebIdentityFromEnvironment(t *testing.T) {
	opts := isolatedOptions(t)
	dir := t.TempDir()
	tokenFile := writeFile(t, dir, "token", "web-token\n")
	opts.Set("AWS_ROLE_ARN", "arn:aws:iam::123456789012:role/web")
	opts.Set("AWS_WEB_IDENTITY_TOKEN_FILE", tokenFile)

	fetcher := &mockFetcher{handler: func(req transport.Request) (*transport.Response, error) {
		body := strings.ReplaceAll(string(assumeRoleXML("2026-06-01T00:00:00Z")), "AssumeRoleResponse", "AssumeRoleWithWebIdentityResponse")
		body = strings.ReplaceAll(body, "AssumeRoleResult", "AssumeRoleWithWebIdentityResult")
		return &transport.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}}

	broker := newTestBroker(fetcher)
	broker.SetNow(func() time.Time { return time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC) })

	creds, _, err := broker.Resolve(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, SourceWebIdentity, creds.Source)
	require.Equal(t, "ASIATEMPKEY", creds.AccessKeyID)

	reqs := fetcher.recorded()
	require.Len(t, reqs, 1)
	// Federation calls are unsigned; the token authenticates the call.
	require.NotContains(t, reqs[0].Headers, "Authorization")
	require.Contains(t, reqs[0].URL, "WebIdentityToken=web-token")
}

func TestBrokerClear(t *testing.T) {
	broker := newTestBroker(nil)
	broker.mu.Lock()
	broker.cached = Credentials{
		AccessKeyID:     "k",
		SecretAccessKey: NewSecret("s"),
		Expiration:      time.Now().Add(time.Hour),
		Source:          SourceEC2,
	}
	broker.iamRole = "role"
	broker.mu.Unlock()

	broker.Clear()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.True(t, broker.cached.Anonymous())
	require.Empty(t, broker.iamRole)
}

func TestCredentialsUsableAt(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Credentials{
		AccessKeyID:     "k",
		SecretAccessKey: NewSecret("s"),
		Expiration:      exp,
		Source:          SourceEC2,
	}
	require.True(t, c.UsableAt(exp.Add(-2*time.Minute), RefreshMargin))
	require.False(t, c.UsableAt(exp.Add(-30*time.Second), RefreshMargin))
	require.False(t, c.UsableAt(exp.Add(time.Second), RefreshMargin))

	static := Credentials{AccessKeyID: "k", SecretAccessKey: NewSecret("s"), Source: SourceStatic}
	require.True(t, static.UsableAt(exp, RefreshMargin))
}

func TestSecretZero(t *testing.T) {
	s := NewSecret("super-secret")
	require.Equal(t, "super-secret", s.Value())
	require.Equal(t, "****", s.String())

	s.Zero()
	require.Equal(t, strings.Repeat("\x00", len("super-secret")), s.Value())
}
