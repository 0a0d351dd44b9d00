package credentials

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-s3fs/internal/config"
)

// Profile is one section of the AWS config files after merging
// ~/.aws/credentials and ~/.aws/config.
type Profile struct {
	Name string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string

	RoleArn              string
	SourceProfile        string
	ExternalID           string
	MFASerial            string
	RoleSessionName      string
	WebIdentityTokenFile string

	// CredentialsPath is the credentials file the profile was read from,
	// kept for resolving source profiles and error messages.
	CredentialsPath string
}

// HasStaticKeys reports whether the profile carries a complete static key
// pair.
func (p Profile) HasStaticKeys() bool {
	return p.AccessKeyID != "" && p.SecretAccessKey != ""
}

// resolvable reports whether the profile can produce credentials through any
// of the supported paths.
func (p Profile) resolvable() bool {
	return p.HasStaticKeys() ||
		(p.RoleArn != "" && p.SourceProfile != "") ||
		(p.RoleArn != "" && p.WebIdentityTokenFile != "")
}

// =============================================================================
// Paths and profile selection
// =============================================================================

// ProfileName resolves the active profile: explicit argument, then
// AWS_DEFAULT_PROFILE, then AWS_PROFILE, then "default".
func ProfileName(opts *config.Options, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := opts.Get("AWS_DEFAULT_PROFILE"); p != "" {
		return p
	}
	if p := opts.Get("AWS_PROFILE"); p != "" {
		return p
	}
	return "default"
}

func awsDir() string {
	home := os.Getenv("HOME")
	if runtime.GOOS == "windows" {
		home = os.Getenv("USERPROFILE")
	}
	return filepath.Join(home, ".aws")
}

func credentialsFilePath(opts *config.Options) string {
	if p := opts.Get("AWS_CREDENTIALS_FILE"); p != "" {
		return p
	}
	return filepath.Join(awsDir(), "credentials")
}

func configFilePath(opts *config.Options) string {
	if p := opts.Get("AWS_CONFIG_FILE"); p != "" {
		return p
	}
	return filepath.Join(awsDir(), "config")
}

// =============================================================================
// INI parsing
// =============================================================================

// iniSection walks file line by line and calls visit for every key/value in
// the wanted section. Section headers are the first bracketed token on a
// line; key/value splits on the first "=" with both sides trimmed; a second
// header terminates the section.
func iniSection(path string, headers []string, visit func(key, value string)) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	inSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if inSection {
				break
			}
			for _, h := range headers {
				if line == h {
					inSection = true
					break
				}
			}
			continue
		}
		if !inSection {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		visit(strings.TrimSpace(line[:eq]), strings.TrimSpace(line[eq+1:]))
	}
	return true
}

// readCredentialsProfile reads the static key material for profile from the
// credentials file. Only the three credential keys live there.
func readCredentialsProfile(path, profile string) (accessKeyID, secretKey, sessionToken string) {
	iniSection(path, []string{"[" + profile + "]"}, func(key, value string) {
		switch strings.ToLower(key) {
		case "aws_access_key_id":
			accessKeyID = value
		case "aws_secret_access_key":
			secretKey = value
		case "aws_session_token":
			sessionToken = value
		}
	})
	return
}

// =============================================================================
// Profile loading
// =============================================================================

// LoadProfile merges the credentials and config files for the named profile.
// When the same credential key appears in both files with different values,
// the credentials file wins and a warning is logged. The second return value
// reports whether the profile can produce credentials at all.
func LoadProfile(opts *config.Options, logger zerolog.Logger, name string) (Profile, bool) {
	p := Profile{Name: name, CredentialsPath: credentialsFilePath(opts)}
	p.AccessKeyID, p.SecretAccessKey, p.SessionToken = readCredentialsProfile(p.CredentialsPath, name)

	configPath := configFilePath(opts)
	// The config file names non-default sections "[profile name]" but the
	// bare form is accepted too.
	headers := []string{"[" + name + "]", "[profile " + name + "]"}

	keepCredentials := func(key string, current *string, value string) {
		if *current == "" {
			*current = value
			return
		}
		if *current != value {
			logger.Warn().
				Str("key", key).
				Str("credentials_file", p.CredentialsPath).
				Str("config_file", configPath).
				Msg("key defined in both credentials and config files; the credentials value is used")
		}
	}

	found := iniSection(configPath, headers, func(key, value string) {
		switch strings.ToLower(key) {
		case "aws_access_key_id":
			keepCredentials(key, &p.AccessKeyID, value)
		case "aws_secret_access_key":
			keepCredentials(key, &p.SecretAccessKey, value)
		case "aws_session_token":
			keepCredentials(key, &p.SessionToken, value)
		case "region":
			p.Region = value
		case "role_arn":
			p.RoleArn = value
		case "source_profile":
			p.SourceProfile = value
		case "external_id":
			p.ExternalID = value
		case "mfa_serial":
			p.MFASerial = value
		case "role_session_name":
			p.RoleSessionName = value
		case "web_identity_token_file":
			p.WebIdentityTokenFile = value
		}
	})
	if !found && opts.Get("AWS_CONFIG_FILE") != "" {
		logger.Warn().Str("config_file", configPath).Msg("config file does not exist or cannot be opened")
	}

	return p, p.resolvable()
}
