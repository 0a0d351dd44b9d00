package s3

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-s3fs/internal/awsv4"
	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/credentials"
	"github.com/prn-tf/alexander-s3fs/internal/metrics"
)

// DefaultEndpoint is the S3 endpoint used when AWS_S3_ENDPOINT is unset.
const DefaultEndpoint = "s3.amazonaws.com"

// Handle binds one bucket/object to a signable endpoint state. A handle is
// not safe for concurrent use; the broker and params store behind it are.
type Handle struct {
	broker  *credentials.Broker
	opts    *config.Options
	logger  zerolog.Logger
	store   ParamsStore
	metrics *metrics.Metrics
	now     func() time.Time

	creds             credentials.Credentials
	endpoint          string
	region            string
	bucket            string
	objectKey         string
	requestPayer      string
	useHTTPS          bool
	useVirtualHosting bool

	queryParams map[string]string
	url         string
}

// HandleConfig carries the collaborators and target of a new handle.
type HandleConfig struct {
	Broker  *credentials.Broker
	Options *config.Options
	Logger  zerolog.Logger

	// Params primes and records per-bucket endpoint discoveries. Optional.
	Params ParamsStore

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Resource is "bucket" or "bucket/key".
	Resource string

	// AllowNoObject accepts a bare bucket resource.
	AllowNoObject bool
}

// splitResource separates "bucket/key" into its parts.
func splitResource(resource string, allowNoObject bool) (bucket, objectKey string, err error) {
	if resource == "" {
		return "", "", fmt.Errorf("%w: empty resource", ErrInvalidArgument)
	}
	slash := strings.Index(resource, "/")
	if slash < 0 {
		if allowNoObject {
			return resource, "", nil
		}
		return "", "", fmt.Errorf("%w: resource should be of the form bucket/key", ErrInvalidArgument)
	}
	return resource[:slash], resource[slash+1:], nil
}

// NewHandle resolves credentials through the broker and binds the resource
// to an endpoint. Endpoint parameters negotiated earlier for the same bucket
// prime the handle.
func NewHandle(ctx context.Context, cfg HandleConfig) (*Handle, error) {
	bucket, objectKey, err := splitResource(cfg.Resource, cfg.AllowNoObject)
	if err != nil {
		return nil, err
	}

	creds, region, err := cfg.Broker.Resolve(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}

	// AWS_DEFAULT_REGION overrides the region of the in-use profile.
	if r := cfg.Options.Get("AWS_DEFAULT_REGION"); r != "" {
		region = r
	}

	// Virtual hosting needs the bucket to be a valid TLS label, which a
	// dotted name is not.
	validForVirtualHosting := !strings.Contains(bucket, ".")

	h := &Handle{
		broker:            cfg.Broker,
		opts:              cfg.Options,
		logger:            cfg.Logger.With().Str("component", "s3").Str("bucket", bucket).Logger(),
		store:             cfg.Params,
		metrics:           cfg.Metrics,
		now:               time.Now,
		creds:             creds,
		endpoint:          cfg.Options.GetDefault("AWS_S3_ENDPOINT", DefaultEndpoint),
		region:            region,
		bucket:            bucket,
		objectKey:         objectKey,
		requestPayer:      cfg.Options.Get("AWS_REQUEST_PAYER"),
		useHTTPS:          cfg.Options.GetBool("AWS_HTTPS", true),
		useVirtualHosting: config.TestBool(cfg.Options.Get("AWS_VIRTUAL_HOSTING"), validForVirtualHosting),
		queryParams:       make(map[string]string),
	}

	if h.store != nil && bucket != "" {
		if p, ok, err := h.store.Get(ctx, bucket); err == nil && ok {
			h.endpoint = p.Endpoint
			h.region = p.Region
			h.useVirtualHosting = p.VirtualHosting
		}
	}

	h.RebuildURL()
	return h, nil
}

// Close scrubs the handle's copy of the secret key.
func (h *Handle) Close() {
	h.creds.Zero()
}

// =============================================================================
// URL building
// =============================================================================

func (h *Handle) buildBaseURL() string {
	scheme := "http"
	if h.useHTTPS {
		scheme = "https"
	}
	switch {
	case h.bucket == "":
		return scheme + "://" + h.endpoint
	case h.useVirtualHosting:
		return scheme + "://" + h.bucket + "." + h.endpoint + "/" + awsv4.URLEncode(h.objectKey, false)
	default:
		return scheme + "://" + h.endpoint + "/" + h.bucket + "/" + awsv4.URLEncode(h.objectKey, false)
	}
}

// RebuildURL recomputes the effective URL from the current endpoint state
// and query parameters.
func (h *Handle) RebuildURL() {
	h.url = h.buildBaseURL() + h.queryString(false)
}

// URL returns the effective URL for the bound resource.
func (h *Handle) URL() string {
	return h.url
}

// Host returns the Host header value for the current addressing mode.
func (h *Handle) Host() string {
	if h.useVirtualHosting && h.bucket != "" {
		return h.bucket + "." + h.endpoint
	}
	return h.endpoint
}

// canonicalURI returns the encoded path as it participates in the signature.
func (h *Handle) canonicalURI() string {
	if h.useVirtualHosting {
		return awsv4.URLEncode("/"+h.objectKey, false)
	}
	if h.bucket == "" {
		return "/"
	}
	return awsv4.URLEncode("/"+h.bucket+"/"+h.objectKey, false)
}

// AddQueryParameter sets a query parameter and rebuilds the URL.
func (h *Handle) AddQueryParameter(key, value string) {
	h.queryParams[key] = value
	h.RebuildURL()
}

// ResetQueryParameters drops all query parameters.
func (h *Handle) ResetQueryParameters() {
	h.queryParams = make(map[string]string)
	h.RebuildURL()
}

// queryString renders the query parameters sorted by key, values AWS-encoded.
// addEmptyValueAfterEqual keeps the "=" for empty values, which the canonical
// query string requires.
func (h *Handle) queryString(addEmptyValueAfterEqual bool) string {
	if len(h.queryParams) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h.queryParams))
	for k := range h.queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i == 0 {
			sb.WriteString("?")
		} else {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		if v := h.queryParams[k]; v != "" || addEmptyValueAfterEqual {
			sb.WriteString("=")
			sb.WriteString(awsv4.URLEncode(v, true))
		}
	}
	return sb.String()
}

// canonicalQueryString is queryString without the leading "?".
func (h *Handle) canonicalQueryString() string {
	qs := h.queryString(true)
	return strings.TrimPrefix(qs, "?")
}

// =============================================================================
// Endpoint state
// =============================================================================

// Bucket returns the bound bucket name.
func (h *Handle) Bucket() string { return h.bucket }

// Endpoint returns the current endpoint host.
func (h *Handle) Endpoint() string { return h.endpoint }

// Region returns the current region.
func (h *Handle) Region() string { return h.region }

// VirtualHosting reports the current addressing mode.
func (h *Handle) VirtualHosting() bool { return h.useVirtualHosting }

// SetEndpoint switches the endpoint host and rebuilds the URL.
func (h *Handle) SetEndpoint(endpoint string) {
	h.endpoint = endpoint
	h.RebuildURL()
}

// SetRegion switches the signing region.
func (h *Handle) SetRegion(region string) {
	h.region = region
}

// SetVirtualHosting switches the addressing mode and rebuilds the URL.
func (h *Handle) SetVirtualHosting(enabled bool) {
	h.useVirtualHosting = enabled
	h.RebuildURL()
}

// SetRequestPayer sets the request-payer value signed into requests.
func (h *Handle) SetRequestPayer(payer string) {
	h.requestPayer = payer
}

// CommitParams records the current endpoint parameters for the bucket so
// future handles start from them.
func (h *Handle) CommitParams(ctx context.Context) {
	if h.store == nil || h.bucket == "" {
		return
	}
	err := h.store.Set(ctx, h.bucket, Params{
		Region:         h.region,
		Endpoint:       h.endpoint,
		VirtualHosting: h.useVirtualHosting,
	})
	if err != nil {
		h.logger.Debug().Err(err).Msg("cannot record bucket params")
	}
}

// =============================================================================
// Signing
// =============================================================================

// signingTimestamp honors the AWS_TIMESTAMP test hook.
func (h *Handle) signingTimestamp() string {
	if ts := h.opts.Get("AWS_TIMESTAMP"); ts != "" {
		return ts
	}
	return awsv4.Timestamp(h.now().Unix())
}

// refreshCredentials renews temporary credentials through the broker. With
// force unset the broker reuses the cache until expiry is within the margin.
func (h *Handle) refreshCredentials(ctx context.Context, force bool) {
	if !h.creds.Source.Temporary() {
		return
	}
	creds, err := h.broker.Refresh(ctx, h.opts, h.creds.Source, force)
	if err != nil {
		h.logger.Debug().Err(err).Msg("credential refresh failed; keeping current credentials")
		return
	}
	h.creds.Zero()
	h.creds = creds
}

// SignedHeaders computes the outbound header set for a request on the bound
// resource: x-amz-date, x-amz-content-sha256, the optional security token
// and request-payer headers, and the Authorization header. Anonymous
// credentials produce no Authorization.
func (h *Handle) SignedHeaders(ctx context.Context, verb string, extraHeaders map[string]string, payload []byte) (map[string]string, error) {
	h.refreshCredentials(ctx, false)

	timestamp := h.signingTimestamp()
	payloadHash := awsv4.SHA256Hex(payload)

	in := awsv4.SigningInput{
		Verb:                   verb,
		Host:                   h.Host(),
		CanonicalURI:           h.canonicalURI(),
		CanonicalQueryString:   h.canonicalQueryString(),
		PayloadHash:            payloadHash,
		Timestamp:              timestamp,
		Region:                 h.region,
		Service:                awsv4.ServiceS3,
		SecurityToken:          h.creds.SessionToken,
		RequestPayer:           h.requestPayer,
		AddContentSHA256Header: true,
		ExtraHeaders:           extraHeaders,
	}
	authorization, err := awsv4.AuthorizationHeader(h.creds.AccessKeyID, h.creds.SecretAccessKey.Value(), in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	headers := map[string]string{
		"x-amz-date":           timestamp,
		"x-amz-content-sha256": payloadHash,
	}
	if h.creds.SessionToken != "" {
		headers["X-Amz-Security-Token"] = h.creds.SessionToken
	}
	if h.requestPayer != "" {
		headers["x-amz-request-payer"] = h.requestPayer
	}
	if authorization != "" {
		headers["Authorization"] = authorization
	}

	h.metrics.Signing("header")
	return headers, nil
}

// SignedURLOptions controls presigned URL generation.
type SignedURLOptions struct {
	// Verb is the HTTP method; GET when empty.
	Verb string

	// StartDate pins the validity start (YYYYMMDDTHHMMSSZ). Defaults to the
	// AWS_TIMESTAMP option, then to the current time.
	StartDate string

	// ExpirySeconds is the URL lifetime; 3600 when zero.
	ExpirySeconds int64
}

// SignedURL produces a presigned URL for the bound resource. Only the host
// header is signed and the payload stays unsigned, so the URL works from any
// client until it expires.
func (h *Handle) SignedURL(ctx context.Context, o SignedURLOptions) (string, error) {
	verb := o.Verb
	if verb == "" {
		verb = http.MethodGet
	}
	startDate := o.StartDate
	if startDate == "" {
		startDate = h.signingTimestamp()
	}
	expires := o.ExpirySeconds
	if expires == 0 {
		expires = awsv4.DefaultPresignExpiry
	}

	if !awsv4.ValidTimestamp(startDate) {
		return "", fmt.Errorf("%w: bad start date %q", ErrInvalidArgument, startDate)
	}

	if h.creds.Source.Temporary() {
		// The effective lifetime of a presigned URL is capped by the
		// credential expiration; refresh when the URL would outlive the
		// credentials.
		startUnix, err := awsv4.ParseTimestamp(startDate)
		if err != nil {
			return "", fmt.Errorf("%w: bad start date %q", ErrInvalidArgument, startDate)
		}
		if time.Unix(startUnix+expires, 0).After(h.creds.Expiration.Add(-credentials.RefreshMargin)) {
			h.refreshCredentials(ctx, true)
		}
	}

	if h.creds.SecretAccessKey.Empty() {
		// Anonymous: nothing to sign with.
		h.ResetQueryParameters()
		return h.URL(), nil
	}

	date8 := startDate[:8]
	h.ResetQueryParameters()
	h.AddQueryParameter(awsv4.QueryAlgorithm, awsv4.Algorithm)
	h.AddQueryParameter(awsv4.QueryCredential,
		h.creds.AccessKeyID+"/"+date8+"/"+h.region+"/"+awsv4.ServiceS3+"/"+awsv4.AWS4Request)
	h.AddQueryParameter(awsv4.QueryDate, startDate)
	h.AddQueryParameter(awsv4.QueryExpires, strconv.FormatInt(expires, 10))
	if h.creds.SessionToken != "" {
		h.AddQueryParameter(awsv4.QuerySecurityToken, h.creds.SessionToken)
	}
	h.AddQueryParameter(awsv4.QuerySignedHeaders, "host")

	in := awsv4.SigningInput{
		Verb:                 verb,
		Host:                 h.Host(),
		CanonicalURI:         h.canonicalURI(),
		CanonicalQueryString: h.canonicalQueryString(),
		PayloadHash:          awsv4.UnsignedPayload,
		Timestamp:            startDate,
		Region:               h.region,
		Service:              awsv4.ServiceS3,
		// The session token rides in the query string, not the headers, and
		// the request payer is left out so that host stays the only signed
		// header.
	}
	sig, _, err := awsv4.Signature(h.creds.SecretAccessKey.Value(), in)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	h.AddQueryParameter(awsv4.QuerySignature, sig)

	h.metrics.Signing("presign")
	return h.URL(), nil
}

// =============================================================================
// Error recovery
// =============================================================================

// CanRestartOnError classifies an S3 error response. A true return means the
// handle switched region, endpoint, or addressing mode and the caller should
// retry the request; permanent redirects also record the discovery in the
// params store. A false return carries the typed error to surface.
func (h *Handle) CanRestartOnError(ctx context.Context, body []byte, respHeaders http.Header) (bool, error) {
	resp, ok := parseErrorResponse(body)
	if !ok {
		return false, &Error{Code: "MalformedResponse", Message: strings.TrimSpace(string(body)), kind: ErrAWS}
	}

	updateStore := true

	switch resp.Code {
	case "AuthorizationHeaderMalformed":
		if resp.Region == "" {
			return false, classify(resp)
		}
		h.SetRegion(resp.Region)
		h.logger.Debug().Str("region", resp.Region).Msg("switching region")

	case "PermanentRedirect", "TemporaryRedirect":
		if resp.Code == "TemporaryRedirect" {
			updateStore = false
		}
		endpoint := resp.Endpoint
		bucketPrefixed := strings.HasPrefix(endpoint, h.bucket+".")
		if endpoint == "" || (h.useVirtualHosting && !bucketPrefixed) {
			return false, classify(resp)
		}
		if !h.useVirtualHosting && bucketPrefixed {
			// A dotted bucket cannot be virtual-hosted; when the response
			// names the real region, address it as
			// s3.{region}.amazonaws.com path-style instead.
			if strings.Contains(h.bucket, ".") {
				if region := respHeaders.Get("x-amz-bucket-region"); region != "" {
					h.SetEndpoint("s3." + region + ".amazonaws.com")
					h.SetRegion(region)
					h.logger.Debug().Str("endpoint", h.endpoint).Str("region", region).
						Msg("switching to regional endpoint for dotted bucket")
					h.metrics.Redirect(resp.Code)
					if resp.Code == "PermanentRedirect" {
						h.CommitParams(ctx)
					}
					return true, nil
				}
			}
			h.useVirtualHosting = true
			h.logger.Debug().Msg("switching to virtual hosting")
		}
		if h.useVirtualHosting {
			endpoint = endpoint[len(h.bucket)+1:]
		}
		h.SetEndpoint(endpoint)
		h.logger.Debug().Str("endpoint", endpoint).Msg("switching endpoint")

	default:
		return false, classify(resp)
	}

	h.metrics.Redirect(resp.Code)
	if updateStore {
		h.CommitParams(ctx)
	}
	return true, nil
}

// SetNow pins the handle clock. Test hook.
func (h *Handle) SetNow(now func() time.Time) {
	h.now = now
}
