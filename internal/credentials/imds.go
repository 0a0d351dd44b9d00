package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-s3fs/internal/awsv4"
	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

const (
	ec2DefaultRootURL  = "http://169.254.169.254"
	ecsCredentialsHost = "http://169.254.170.2"

	imdsTokenPath       = "/latest/api/token"
	imdsCredentialsPath = "/latest/meta-data/iam/security-credentials/"
)

// imdsCredentialDocument is the flat JSON object served by the metadata
// services. Unknown members are ignored, matching the tolerant parsing the
// document shape calls for.
type imdsCredentialDocument struct {
	Code            string `json:"Code"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      string `json:"Expiration"`
}

// machinePotentiallyEC2 checks host markers before any network probe so that
// non-EC2 hosts skip the metadata round trip entirely. AWS_AUTODETECT_EC2=NO
// disables the check and forces the probe.
func machinePotentiallyEC2(opts *config.Options) bool {
	if !opts.GetBool("AWS_AUTODETECT_EC2", true) {
		return true
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		return false
	}

	// Older Xen-hypervisor instances expose a uuid beginning with "ec2".
	// The file does not exist on Nitro instances.
	if data, err := os.ReadFile("/sys/hypervisor/uuid"); err == nil {
		return strings.HasPrefix(strings.ToLower(string(data)), "ec2")
	}

	// Nitro instances report the vendor instead. The file may exist on Xen
	// hosts with other values.
	if data, err := os.ReadFile("/sys/devices/virtual/dmi/id/sys_vendor"); err == nil {
		return strings.HasPrefix(string(data), "Amazon EC2")
	}

	// No marker either way; let the network probe decide.
	return true
}

// fetchIMDSv2Token performs the IMDSv2 handshake. An empty token means the
// service only speaks IMDSv1 (or timed out); callers fall back to
// tokenless requests.
func fetchIMDSv2Token(ctx context.Context, fetcher transport.Fetcher, root string, logger zerolog.Logger) string {
	resp, err := fetcher.Fetch(ctx, transport.Request{
		Method:  http.MethodPut,
		URL:     root + imdsTokenPath,
		Headers: map[string]string{"X-aws-ec2-metadata-token-ttl-seconds": "10"},
		Timeout: transport.DefaultProbeTimeout,
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		logger.Debug().Msg("IMDSv2 token request failed, falling back to IMDSv1")
		return ""
	}
	return strings.TrimSpace(string(resp.Body))
}

// fetchInstanceCredentials resolves credentials from the ECS task endpoint or
// the EC2 instance metadata service. iamRole carries the cached role name
// across refreshes; it is filled on first discovery.
func fetchInstanceCredentials(
	ctx context.Context,
	fetcher transport.Fetcher,
	opts *config.Options,
	logger zerolog.Logger,
	iamRole *string,
) (Credentials, error) {
	root := opts.GetDefault("AWS_EC2_API_ROOT_URL", ec2DefaultRootURL)
	ecsRelativeURI := opts.Get("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI")

	var credentialsURL string
	var token string

	if root == ec2DefaultRootURL && ecsRelativeURI != "" {
		// ECS task role endpoint; no token handshake.
		credentialsURL = ecsCredentialsHost + ecsRelativeURI
	} else {
		if !machinePotentiallyEC2(opts) {
			return Credentials{}, ErrImdsUnavailable
		}

		token = fetchIMDSv2Token(ctx, fetcher, root, logger)

		headers := map[string]string{}
		if token != "" {
			headers["X-aws-ec2-metadata-token"] = token
		}

		if *iamRole == "" {
			resp, err := fetcher.Fetch(ctx, transport.Request{
				Method:  http.MethodGet,
				URL:     root + imdsCredentialsPath,
				Headers: headers,
				Timeout: transport.DefaultProbeTimeout,
			})
			if err != nil || resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
				// No role listing means we are not on EC2 or an emulation
				// of it.
				return Credentials{}, ErrImdsUnavailable
			}
			*iamRole = strings.TrimSpace(string(resp.Body))
			logger.Debug().Str("iam_role", *iamRole).Msg("discovered instance IAM role")
		}
		credentialsURL = root + imdsCredentialsPath + *iamRole
	}

	headers := map[string]string{}
	if token != "" {
		headers["X-aws-ec2-metadata-token"] = token
	}
	resp, err := fetcher.Fetch(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     credentialsURL,
		Headers: headers,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("%w: status %d", ErrImdsUnavailable, resp.StatusCode)
	}

	var doc imdsCredentialDocument
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialsMalformed, err)
	}
	if doc.AccessKeyID == "" || doc.SecretAccessKey == "" {
		return Credentials{}, fmt.Errorf("%w: metadata document incomplete", ErrCredentialsMalformed)
	}
	expiration, err := awsv4.ParseISO8601(doc.Expiration)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: bad Expiration %q", ErrCredentialsMalformed, doc.Expiration)
	}

	logger.Debug().Str("expiration", doc.Expiration).Msg("storing instance credentials")
	return Credentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: NewSecret(doc.SecretAccessKey),
		SessionToken:    doc.Token,
		Expiration:      time.Unix(expiration, 0).UTC(),
		Source:          SourceEC2,
	}, nil
}
