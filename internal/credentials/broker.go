package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-s3fs/internal/awsv4"
	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/metrics"
	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

// RefreshMargin is how long before expiry a temporary credential stops being
// reused and gets refreshed instead.
const RefreshMargin = 60 * time.Second

// assumedRoleState remembers an active assumed role so later requests can
// refresh it without re-reading the config files.
type assumedRoleState struct {
	params AssumeRoleParams
	source Credentials
}

// webIdentityState remembers web-identity parameters used as the source of
// an assumed role, or as a credential source in their own right.
type webIdentityState struct {
	roleArn   string
	tokenFile string
}

// Broker is the process-wide credential cache. Any number of filesystem
// handles share one broker so that a single refresh serves them all. One
// mutex guards every read and write of the cached state; network calls are
// never made while it is held: the provider snapshots state, releases the
// lock, performs the call, and re-acquires the lock to store the result. A
// concurrent refresher may overwrite a newer result with an older one; both
// are valid and the next expiry check sorts it out.
type Broker struct {
	fetcher transport.Fetcher
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// now is the clock; tests pin it.
	now func() time.Time

	mu          sync.Mutex
	cached      Credentials
	iamRole     string
	role        *assumedRoleState
	webIdentity *webIdentityState
	region      string
}

// NewBroker creates a Broker. The metrics handle may be nil.
func NewBroker(fetcher transport.Fetcher, logger zerolog.Logger, m *metrics.Metrics) *Broker {
	return &Broker{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "credentials").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Clear drops all cached state. Intended for test isolation and credential
// rotation.
func (b *Broker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached.Zero()
	b.cached = Credentials{}
	b.iamRole = ""
	b.role = nil
	b.webIdentity = nil
	b.region = ""
}

func (b *Broker) cachedValidLocked() bool {
	return b.cached.UsableAt(b.now(), RefreshMargin)
}

// =============================================================================
// Provider chain
// =============================================================================

// Resolve walks the provider chain and returns the first complete credential
// record together with the effective region. The order is fixed: static
// environment configuration, a previously assumed role, the AWS config
// files, web-identity federation from the environment, and finally instance
// metadata.
func (b *Broker) Resolve(ctx context.Context, opts *config.Options) (Credentials, string, error) {
	region := opts.GetDefault("AWS_REGION", awsv4.DefaultRegion)

	// 1. Static overrides.
	if opts.GetBool("AWS_NO_SIGN_REQUEST", false) {
		b.metrics.Resolution(SourceNone.String())
		return Credentials{Source: SourceNone}, region, nil
	}
	if secretKey := opts.Get("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
		accessKeyID := opts.Get("AWS_ACCESS_KEY_ID")
		if accessKeyID == "" {
			return Credentials{}, region, fmt.Errorf(
				"%w: AWS_SECRET_ACCESS_KEY is set but AWS_ACCESS_KEY_ID is not", ErrCredentialsMalformed)
		}
		b.metrics.Resolution(SourceStatic.String())
		return Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: NewSecret(secretKey),
			SessionToken:    opts.Get("AWS_SESSION_TOKEN"),
			Source:          SourceStatic,
		}, region, nil
	}

	// 2. A role assumed earlier in the process.
	b.mu.Lock()
	hasRole := b.role != nil
	cachedRegion := b.region
	b.mu.Unlock()
	if hasRole {
		creds, err := b.refreshAssumedRole(ctx, opts, false)
		if err == nil {
			if cachedRegion != "" {
				region = cachedRegion
			}
			b.metrics.Resolution(SourceAssumedRole.String())
			return creds, region, nil
		}
		b.logger.Debug().Err(err).Msg("cached assumed role refresh failed")
	}

	// 3. Config files.
	profile := ProfileName(opts, "")
	if p, ok := LoadProfile(opts, b.logger, profile); ok {
		creds, err := b.resolveProfile(ctx, opts, p)
		if err == nil {
			if p.Region != "" {
				region = p.Region
			}
			b.metrics.Resolution(creds.Source.String())
			return creds, region, nil
		}
		b.logger.Debug().Err(err).Str("profile", profile).Msg("config-file credentials failed")
	}

	// 4. Web identity from the environment.
	if opts.GetBool("AWS_WEB_IDENTITY_ENABLE", true) {
		creds, err := b.refreshWebIdentity(ctx, opts, false)
		if err == nil {
			b.metrics.Resolution(SourceWebIdentity.String())
			return creds, region, nil
		}
		b.logger.Debug().Err(err).Msg("web identity credentials unavailable")
	}

	// 5. Instance metadata.
	creds, err := b.refreshEC2(ctx, opts, false)
	if err == nil {
		b.metrics.Resolution(SourceEC2.String())
		return creds, region, nil
	}
	b.logger.Debug().Err(err).Msg("instance metadata credentials unavailable")

	return Credentials{}, region, ErrCredentialsNotFound
}

// resolveProfile turns a merged config-file profile into credentials.
func (b *Broker) resolveProfile(ctx context.Context, opts *config.Options, p Profile) (Credentials, error) {
	if p.HasStaticKeys() {
		return Credentials{
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: NewSecret(p.SecretAccessKey),
			SessionToken:    p.SessionToken,
			Source:          SourceStatic,
		}, nil
	}

	if p.RoleArn != "" && p.SourceProfile != "" {
		return b.assumeRoleFromProfile(ctx, opts, p)
	}

	if p.RoleArn != "" && p.WebIdentityTokenFile != "" {
		b.mu.Lock()
		if b.cachedValidLocked() && b.cached.Source == SourceWebIdentity {
			creds := b.cached.Clone()
			b.mu.Unlock()
			return creds, nil
		}
		b.mu.Unlock()

		creds, err := assumeRoleWithWebIdentity(ctx, b.fetcher, opts, b.logger, p.RoleArn, p.WebIdentityTokenFile)
		if err != nil {
			return Credentials{}, err
		}
		b.mu.Lock()
		b.webIdentity = &webIdentityState{roleArn: p.RoleArn, tokenFile: p.WebIdentityTokenFile}
		b.storeLocked(creds)
		b.mu.Unlock()
		return creds, nil
	}

	return Credentials{}, fmt.Errorf("%w: profile %s has no usable key material", ErrCredentialsMalformed, p.Name)
}

// assumeRoleFromProfile resolves the source profile, assumes the role, and
// records the role state so later requests can refresh without touching the
// config files again. Only one level of indirection is supported: the source
// profile must resolve to static or web-identity credentials itself.
func (b *Broker) assumeRoleFromProfile(ctx context.Context, opts *config.Options, p Profile) (Credentials, error) {
	var source Credentials
	var webID *webIdentityState

	sp, _ := LoadProfile(opts, b.logger, p.SourceProfile)
	if sp.RoleArn != "" && sp.WebIdentityTokenFile != "" {
		creds, err := assumeRoleWithWebIdentity(ctx, b.fetcher, opts, b.logger, sp.RoleArn, sp.WebIdentityTokenFile)
		if err != nil {
			return Credentials{}, err
		}
		source = creds
		webID = &webIdentityState{roleArn: sp.RoleArn, tokenFile: sp.WebIdentityTokenFile}
	} else {
		accessKeyID, secretKey, sessionToken := readCredentialsProfile(p.CredentialsPath, p.SourceProfile)
		if accessKeyID == "" || secretKey == "" {
			return Credentials{}, fmt.Errorf(
				"%w: cannot retrieve credentials for source profile %s", ErrCredentialsMalformed, p.SourceProfile)
		}
		source = Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: NewSecret(secretKey),
			SessionToken:    sessionToken,
			Source:          SourceStatic,
		}
	}

	params := AssumeRoleParams{
		RoleArn:         p.RoleArn,
		ExternalID:      p.ExternalID,
		MFASerial:       p.MFASerial,
		RoleSessionName: p.RoleSessionName,
	}
	creds, err := assumeRole(ctx, b.fetcher, opts, b.logger, b.now, params, source)
	if err != nil {
		return Credentials{}, err
	}

	b.logger.Debug().Str("role_arn", p.RoleArn).Msg("using assumed role")
	b.mu.Lock()
	b.role = &assumedRoleState{params: params, source: source.Clone()}
	b.webIdentity = webID
	b.region = p.Region
	b.storeLocked(creds)
	b.mu.Unlock()
	return creds, nil
}

// =============================================================================
// Refresh paths
// =============================================================================

// Refresh re-resolves temporary credentials for the given source, reusing
// the cache unless force is set or expiry is within the margin. Static
// sources have nothing to refresh.
func (b *Broker) Refresh(ctx context.Context, opts *config.Options, source Source, force bool) (Credentials, error) {
	switch source {
	case SourceAssumedRole:
		return b.refreshAssumedRole(ctx, opts, force)
	case SourceWebIdentity:
		return b.refreshWebIdentity(ctx, opts, force)
	case SourceEC2:
		return b.refreshEC2(ctx, opts, force)
	default:
		return Credentials{}, fmt.Errorf("credentials from source %s cannot be refreshed", source)
	}
}

// storeLocked replaces the cached record. Callers hold b.mu.
func (b *Broker) storeLocked(creds Credentials) {
	b.cached.Zero()
	b.cached = creds.Clone()
}

func (b *Broker) refreshAssumedRole(ctx context.Context, opts *config.Options, force bool) (Credentials, error) {
	b.mu.Lock()
	if !force && b.cachedValidLocked() {
		creds := b.cached.Clone()
		b.mu.Unlock()
		return creds, nil
	}
	if b.role == nil {
		b.mu.Unlock()
		return Credentials{}, fmt.Errorf("%w: no assumed role recorded", ErrAssumeRoleFailed)
	}
	params := b.role.params
	source := b.role.source.Clone()
	var webID *webIdentityState
	if b.webIdentity != nil {
		w := *b.webIdentity
		webID = &w
	}
	b.mu.Unlock()

	// The source itself may be a web identity; renew it first.
	if webID != nil {
		renewed, err := assumeRoleWithWebIdentity(ctx, b.fetcher, opts, b.logger, webID.roleArn, webID.tokenFile)
		if err != nil {
			return Credentials{}, err
		}
		source = renewed
	}

	creds, err := assumeRole(ctx, b.fetcher, opts, b.logger, b.now, params, source)
	if err != nil {
		return Credentials{}, err
	}
	b.metrics.Refresh(SourceAssumedRole.String())

	b.mu.Lock()
	if b.role != nil && webID != nil {
		b.role.source = source.Clone()
	}
	b.storeLocked(creds)
	b.mu.Unlock()
	return creds, nil
}

func (b *Broker) refreshWebIdentity(ctx context.Context, opts *config.Options, force bool) (Credentials, error) {
	b.mu.Lock()
	if !force && b.cachedValidLocked() {
		creds := b.cached.Clone()
		b.mu.Unlock()
		return creds, nil
	}
	var roleArn, tokenFile string
	if b.webIdentity != nil {
		roleArn = b.webIdentity.roleArn
		tokenFile = b.webIdentity.tokenFile
	}
	b.mu.Unlock()

	creds, err := assumeRoleWithWebIdentity(ctx, b.fetcher, opts, b.logger, roleArn, tokenFile)
	if err != nil {
		return Credentials{}, err
	}
	b.metrics.Refresh(SourceWebIdentity.String())

	b.mu.Lock()
	b.storeLocked(creds)
	b.mu.Unlock()
	return creds, nil
}

func (b *Broker) refreshEC2(ctx context.Context, opts *config.Options, force bool) (Credentials, error) {
	b.mu.Lock()
	if !force && b.cachedValidLocked() {
		creds := b.cached.Clone()
		b.mu.Unlock()
		return creds, nil
	}
	iamRole := b.iamRole
	b.mu.Unlock()

	creds, err := fetchInstanceCredentials(ctx, b.fetcher, opts, b.logger, &iamRole)

	b.mu.Lock()
	b.iamRole = iamRole
	if err == nil {
		b.storeLocked(creds)
	}
	b.mu.Unlock()

	if err != nil {
		return Credentials{}, err
	}
	b.metrics.Refresh(SourceEC2.String())
	return creds, nil
}

// SetNow pins the broker clock. Test hook.
func (b *Broker) SetNow(now func() time.Time) {
	b.now = now
}
