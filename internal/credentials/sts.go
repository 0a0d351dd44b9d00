package credentials

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-s3fs/internal/awsv4"
	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

const stsAPIVersion = "2011-06-15"

// AssumeRoleParams carries the role configuration for STS AssumeRole.
type AssumeRoleParams struct {
	RoleArn         string
	ExternalID      string
	MFASerial       string
	RoleSessionName string
}

// stsCredentials mirrors the Credentials node of both STS responses.
type stsCredentials struct {
	AccessKeyID     string `xml:"AccessKeyId"`
	SecretAccessKey string `xml:"SecretAccessKey"`
	SessionToken    string `xml:"SessionToken"`
	Expiration      string `xml:"Expiration"`
}

type assumeRoleResponse struct {
	XMLName xml.Name `xml:"AssumeRoleResponse"`
	Result  struct {
		Credentials stsCredentials `xml:"Credentials"`
	} `xml:"AssumeRoleResult"`
}

type assumeRoleWithWebIdentityResponse struct {
	XMLName xml.Name `xml:"AssumeRoleWithWebIdentityResponse"`
	Result  struct {
		Credentials stsCredentials `xml:"Credentials"`
	} `xml:"AssumeRoleWithWebIdentityResult"`
}

// buildQueryString renders params sorted by key, each value AWS-encoded with
// slashes escaped. The result doubles as the canonical query string.
func buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+awsv4.URLEncode(params[k], true))
	}
	return strings.Join(pairs, "&")
}

func signingTimestamp(opts *config.Options, now func() time.Time) string {
	if ts := opts.Get("AWS_TIMESTAMP"); ts != "" {
		return ts
	}
	return awsv4.Timestamp(now().Unix())
}

func roleSessionName(opts *config.Options, fromProfile string) string {
	if fromProfile != "" {
		return fromProfile
	}
	if n := opts.Get("AWS_ROLE_SESSION_NAME"); n != "" {
		return n
	}
	return "alexander-s3fs-" + uuid.NewString()
}

// =============================================================================
// AssumeRole
// =============================================================================

// assumeRole exchanges the source credentials for temporary role credentials
// via a SigV4-signed STS AssumeRole call. The STS region defaults to
// us-east-1; AWS_STS_REGION and AWS_STS_ENDPOINT override region and host
// independently of the effective S3 region.
func assumeRole(
	ctx context.Context,
	fetcher transport.Fetcher,
	opts *config.Options,
	logger zerolog.Logger,
	now func() time.Time,
	params AssumeRoleParams,
	source Credentials,
) (Credentials, error) {
	timestamp := signingTimestamp(opts, now)

	region := opts.GetDefault("AWS_STS_REGION", awsv4.DefaultRegion)
	host := opts.GetDefault("AWS_STS_ENDPOINT", "sts.amazonaws.com")

	query := map[string]string{
		"Version":         stsAPIVersion,
		"Action":          "AssumeRole",
		"RoleArn":         params.RoleArn,
		"RoleSessionName": roleSessionName(opts, params.RoleSessionName),
	}
	if params.ExternalID != "" {
		query["ExternalId"] = params.ExternalID
	}
	if params.MFASerial != "" {
		query["SerialNumber"] = params.MFASerial
	}
	queryString := buildQueryString(query)

	in := awsv4.SigningInput{
		Verb:                   http.MethodGet,
		Host:                   host,
		CanonicalURI:           "/",
		CanonicalQueryString:   queryString,
		PayloadHash:            awsv4.EmptyPayloadSHA256,
		Timestamp:              timestamp,
		Region:                 region,
		Service:                awsv4.ServiceSTS,
		SecurityToken:          source.SessionToken,
		AddContentSHA256Header: true,
	}
	authorization, err := awsv4.AuthorizationHeader(source.AccessKeyID, source.SecretAccessKey.Value(), in)
	if err != nil {
		return Credentials{}, err
	}

	headers := map[string]string{
		"X-Amz-Date":    timestamp,
		"Authorization": authorization,
	}
	if source.SessionToken != "" {
		headers["X-Amz-Security-Token"] = source.SessionToken
	}

	scheme := "https"
	if !opts.GetBool("AWS_HTTPS", true) {
		scheme = "http"
	}

	resp, err := fetcher.Fetch(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     scheme + "://" + host + "/?" + queryString,
		Headers: headers,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: STS AssumeRole: %v", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug().Int("status", resp.StatusCode).Str("role_arn", params.RoleArn).
			Msg("STS AssumeRole rejected")
		return Credentials{}, fmt.Errorf("%w: status %d", ErrAssumeRoleFailed, resp.StatusCode)
	}

	var parsed assumeRoleResponse
	if err := xml.Unmarshal(resp.Body, &parsed); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrAssumeRoleFailed, err)
	}
	return credentialsFromSTS(parsed.Result.Credentials, SourceAssumedRole, logger)
}

// =============================================================================
// AssumeRoleWithWebIdentity
// =============================================================================

// readWebIdentityToken loads the federation token, trimming one trailing
// newline.
func readWebIdentityToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSuffix(string(data), "\n")
	if token == "" {
		return "", fmt.Errorf("%w: web identity token file %s is empty", ErrCredentialsMalformed, path)
	}
	return token, nil
}

// stsRootURL picks the STS endpoint for web-identity federation. The default
// follows AWS_STS_REGIONAL_ENDPOINTS: "regional" (the default) targets
// sts.{AWS_REGION}.amazonaws.com, "legacy" the global endpoint.
// AWS_STS_ROOT_URL overrides the result wholesale.
func stsRootURL(opts *config.Options) string {
	root := "https://sts.amazonaws.com"
	if opts.GetDefault("AWS_STS_REGIONAL_ENDPOINTS", "regional") == "regional" {
		region := opts.GetDefault("AWS_REGION", awsv4.DefaultRegion)
		root = "https://sts." + region + ".amazonaws.com"
	}
	return opts.GetDefault("AWS_STS_ROOT_URL", root)
}

// assumeRoleWithWebIdentity trades a web-identity token for temporary
// credentials. The call is unsigned: federation authenticates with the token
// itself.
func assumeRoleWithWebIdentity(
	ctx context.Context,
	fetcher transport.Fetcher,
	opts *config.Options,
	logger zerolog.Logger,
	roleArn, tokenFile string,
) (Credentials, error) {
	if roleArn == "" {
		roleArn = opts.Get("AWS_ROLE_ARN")
	}
	if roleArn == "" {
		logger.Debug().Msg("AWS_ROLE_ARN not defined")
		return Credentials{}, ErrCredentialsNotFound
	}
	if tokenFile == "" {
		tokenFile = opts.Get("AWS_WEB_IDENTITY_TOKEN_FILE")
	}
	if tokenFile == "" {
		logger.Debug().Msg("AWS_WEB_IDENTITY_TOKEN_FILE not defined")
		return Credentials{}, ErrCredentialsNotFound
	}

	token, err := readWebIdentityToken(tokenFile)
	if err != nil {
		logger.Debug().Err(err).Str("token_file", tokenFile).Msg("cannot read web identity token")
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialsMalformed, err)
	}

	url := stsRootURL(opts) +
		"/?Action=AssumeRoleWithWebIdentity&RoleSessionName=alexander-s3fs" +
		"&Version=" + stsAPIVersion +
		"&RoleArn=" + awsv4.URLEncode(roleArn, true) +
		"&WebIdentityToken=" + awsv4.URLEncode(token, true)

	resp, err := fetcher.Fetch(ctx, transport.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: STS AssumeRoleWithWebIdentity: %v", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug().Int("status", resp.StatusCode).Str("role_arn", roleArn).
			Msg("STS AssumeRoleWithWebIdentity rejected")
		return Credentials{}, fmt.Errorf("%w: status %d", ErrAssumeRoleFailed, resp.StatusCode)
	}

	var parsed assumeRoleWithWebIdentityResponse
	if err := xml.Unmarshal(resp.Body, &parsed); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrAssumeRoleFailed, err)
	}
	return credentialsFromSTS(parsed.Result.Credentials, SourceWebIdentity, logger)
}

// credentialsFromSTS validates and converts an STS Credentials node.
func credentialsFromSTS(c stsCredentials, source Source, logger zerolog.Logger) (Credentials, error) {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.SessionToken == "" {
		return Credentials{}, fmt.Errorf("%w: response missing Credentials", ErrAssumeRoleFailed)
	}
	expiration, err := awsv4.ParseISO8601(c.Expiration)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: bad Expiration %q", ErrAssumeRoleFailed, c.Expiration)
	}
	logger.Debug().Str("source", source.String()).Str("expiration", c.Expiration).
		Msg("storing temporary credentials")
	return Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: NewSecret(c.SecretAccessKey),
		SessionToken:    c.SessionToken,
		Expiration:      time.Unix(expiration, 0).UTC(),
		Source:          source,
	}, nil
}
