package credentials

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-s3fs/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProfileName(t *testing.T) {
	opts := config.New()
	opts.Set("AWS_DEFAULT_PROFILE", "")
	opts.Set("AWS_PROFILE", "")
	require.Equal(t, "default", ProfileName(opts, ""))

	opts.Set("AWS_PROFILE", "from-profile")
	require.Equal(t, "from-profile", ProfileName(opts, ""))

	opts.Set("AWS_DEFAULT_PROFILE", "from-default-profile")
	require.Equal(t, "from-default-profile", ProfileName(opts, ""))

	require.Equal(t, "explicit", ProfileName(opts, "explicit"))
}

func TestLoadProfileStaticKeys(t *testing.T) {
	dir := t.TempDir()
	credsPath := writeFile(t, dir, "credentials", `
[default]
aws_access_key_id = AKID
aws_secret_access_key = SECRET
aws_session_token = TOKEN
`)

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", credsPath)
	opts.Set("AWS_CONFIG_FILE", filepath.Join(dir, "missing-config"))

	p, ok := LoadProfile(opts, zerolog.Nop(), "default")
	require.True(t, ok)
	require.Equal(t, "AKID", p.AccessKeyID)
	require.Equal(t, "SECRET", p.SecretAccessKey)
	require.Equal(t, "TOKEN", p.SessionToken)
}

func TestLoadProfileCredentialsFileWinsWithWarning(t *testing.T) {
	dir := t.TempDir()
	credsPath := writeFile(t, dir, "credentials", `
[default]
aws_access_key_id = A1
aws_secret_access_key = S1
`)
	configPath := writeFile(t, dir, "config", `
[default]
aws_access_key_id = A2
region = eu-central-1
`)

	var logBuf bytes.Buffer
	logger := zerolog.New(&logBuf)

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", credsPath)
	opts.Set("AWS_CONFIG_FILE", configPath)

	p, ok := LoadProfile(opts, logger, "default")
	require.True(t, ok)
	require.Equal(t, "A1", p.AccessKeyID)
	require.Equal(t, "eu-central-1", p.Region)
	require.Contains(t, logBuf.String(), "aws_access_key_id")
	require.Contains(t, logBuf.String(), "credentials")
}

func TestLoadProfileProfilePrefixedSection(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config", `
[profile analytics]
role_arn = arn:aws:iam::123456789012:role/analytics
source_profile = default
external_id = ext-42
mfa_serial = arn:aws:iam::123456789012:mfa/user
role_session_name = analytics-session
`)

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", filepath.Join(dir, "missing-credentials"))
	opts.Set("AWS_CONFIG_FILE", configPath)

	p, ok := LoadProfile(opts, zerolog.Nop(), "analytics")
	require.True(t, ok)
	require.Equal(t, "arn:aws:iam::123456789012:role/analytics", p.RoleArn)
	require.Equal(t, "default", p.SourceProfile)
	require.Equal(t, "ext-42", p.ExternalID)
	require.Equal(t, "arn:aws:iam::123456789012:mfa/user", p.MFASerial)
	require.Equal(t, "analytics-session", p.RoleSessionName)
}

func TestLoadProfileWebIdentity(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config", `
[default]
role_arn = arn:aws:iam::123456789012:role/web
web_identity_token_file = /var/run/secrets/token
`)

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", filepath.Join(dir, "missing-credentials"))
	opts.Set("AWS_CONFIG_FILE", configPath)

	p, ok := LoadProfile(opts, zerolog.Nop(), "default")
	require.True(t, ok)
	require.Equal(t, "/var/run/secrets/token", p.WebIdentityTokenFile)
}

func TestLoadProfileMissingFiles(t *testing.T) {
	dir := t.TempDir()

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	opts.Set("AWS_CONFIG_FILE", filepath.Join(dir, "config"))

	_, ok := LoadProfile(opts, zerolog.Nop(), "default")
	require.False(t, ok)
}

func TestLoadProfileStopsAtNextSection(t *testing.T) {
	dir := t.TempDir()
	credsPath := writeFile(t, dir, "credentials", `
[default]
aws_access_key_id = RIGHT
aws_secret_access_key = SECRET

[other]
aws_access_key_id = WRONG
`)

	opts := config.New()
	opts.Set("AWS_CREDENTIALS_FILE", credsPath)
	opts.Set("AWS_CONFIG_FILE", filepath.Join(dir, "missing-config"))

	p, ok := LoadProfile(opts, zerolog.Nop(), "default")
	require.True(t, ok)
	require.Equal(t, "RIGHT", p.AccessKeyID)
}
