package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid marks configuration that must be fixed before provisioning starts.
var ErrInvalid = errors.New("config: invalid")

const (
	DefaultAdminClientID = "admin-cli"
	DefaultAdminRealm    = "master"
)

// Environment keys, one per Config field.
const (
	EnvServiceURL            = "SERVICE_URL"
	EnvAdminUsername         = "ADMIN_USERNAME"
	EnvAdminPassword         = "ADMIN_PASSWORD"
	EnvAdminClientID         = "ADMIN_CLIENT_ID"
	EnvAdminRealm            = "ADMIN_REALM"
	EnvRealmName             = "REALM_NAME"
	EnvFrontendClientID      = "FRONTEND_CLIENT_ID"
	EnvBackendClientID       = "BACKEND_CLIENT_ID"
	EnvClientSecret          = "CLIENT_SECRET"
	EnvTestUsername          = "TEST_USERNAME"
	EnvTestPassword          = "TEST_PASSWORD"
	EnvRecreateRealm         = "RECREATE_REALM"
	EnvRedirectURIs          = "REDIRECT_URIS"
	EnvWebOrigins            = "WEB_ORIGINS"
	EnvMaxRetries            = "MAX_RETRIES"
	EnvRetryIntervalMS       = "RETRY_INTERVAL_MS"
	EnvContentSecurityPolicy = "CONTENT_SECURITY_POLICY"
	EnvRequestTimeout        = "REQUEST_TIMEOUT"
	EnvMetricsTextfile       = "METRICS_TEXTFILE"
	EnvCAFile                = "CA_FILE"
)

// Config is the validated provisioning record.
type Config struct {
	ServiceURL    string
	AdminUsername string
	AdminPassword string
	AdminClientID string
	AdminRealm    string

	RealmName             string
	ContentSecurityPolicy string
	RecreateRealm         bool

	FrontendClientID string
	BackendClientID  string
	ClientSecret     string
	RedirectURIs     []string
	WebOrigins       []string

	TestUsername string
	TestPassword string

	MaxRetries      int
	RetryIntervalMS int64

	RequestTimeout  time.Duration
	CAFile          string
	MetricsTextfile string
}

// fileConfig is the realmctl config.toml key mapping.
type fileConfig struct {
	ServiceURL            string   `toml:"service_url"`
	AdminUsername         string   `toml:"admin_username"`
	AdminPassword         string   `toml:"admin_password"`
	AdminClientID         string   `toml:"admin_client_id"`
	AdminRealm            string   `toml:"admin_realm"`
	RealmName             string   `toml:"realm_name"`
	ContentSecurityPolicy string   `toml:"content_security_policy"`
	RecreateRealm         bool     `toml:"recreate_realm"`
	FrontendClientID      string   `toml:"frontend_client_id"`
	BackendClientID       string   `toml:"backend_client_id"`
	ClientSecret          string   `toml:"client_secret"`
	RedirectURIs          []string `toml:"redirect_uris"`
	WebOrigins            []string `toml:"web_origins"`
	TestUsername          string   `toml:"test_username"`
	TestPassword          string   `toml:"test_password"`
	MaxRetries            int      `toml:"max_retries"`
	RetryIntervalMS       int64    `toml:"retry_interval_ms"`
	RequestTimeout        string   `toml:"request_timeout"`
	CAFile                string   `toml:"ca_file"`
	MetricsTextfile       string   `toml:"metrics_textfile"`
}

// DefaultConfig holds the only defaults realmctl applies. Retry settings
// are left unset so that a missing value fails validation.
func DefaultConfig() Config {
	return Config{
		AdminClientID:   DefaultAdminClientID,
		AdminRealm:      DefaultAdminRealm,
		RedirectURIs:    []string{},
		WebOrigins:      []string{},
		RetryIntervalMS: -1,
	}
}

// Load overlays the optional TOML file at path and then the environment on
// top of DefaultConfig, and validates the result.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and validates a TOML config without consulting the environment.
func LoadFile(path string) (Config, error) {
	return Load(path, func(string) (string, bool) { return "", false })
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", ErrInvalid, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: %s: unknown key %q", ErrInvalid, path, undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("service_url", &cfg.ServiceURL, raw.ServiceURL)
	setString("admin_username", &cfg.AdminUsername, raw.AdminUsername)
	setString("admin_client_id", &cfg.AdminClientID, raw.AdminClientID)
	setString("admin_realm", &cfg.AdminRealm, raw.AdminRealm)
	setString("realm_name", &cfg.RealmName, raw.RealmName)
	setString("content_security_policy", &cfg.ContentSecurityPolicy, raw.ContentSecurityPolicy)
	setString("frontend_client_id", &cfg.FrontendClientID, raw.FrontendClientID)
	setString("backend_client_id", &cfg.BackendClientID, raw.BackendClientID)
	setString("test_username", &cfg.TestUsername, raw.TestUsername)
	setString("metrics_textfile", &cfg.MetricsTextfile, raw.MetricsTextfile)
	setString("ca_file", &cfg.CAFile, raw.CAFile)

	// Secrets are taken verbatim.
	if meta.IsDefined("admin_password") {
		cfg.AdminPassword = raw.AdminPassword
	}
	if meta.IsDefined("client_secret") {
		cfg.ClientSecret = raw.ClientSecret
	}
	if meta.IsDefined("test_password") {
		cfg.TestPassword = raw.TestPassword
	}

	if meta.IsDefined("recreate_realm") {
		cfg.RecreateRealm = raw.RecreateRealm
	}
	if meta.IsDefined("redirect_uris") {
		cfg.RedirectURIs = normalizeList(raw.RedirectURIs)
	}
	if meta.IsDefined("web_origins") {
		cfg.WebOrigins = normalizeList(raw.WebOrigins)
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("retry_interval_ms") {
		cfg.RetryIntervalMS = raw.RetryIntervalMS
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return fmt.Errorf("%w: parse request_timeout: %w", ErrInvalid, err)
		}
		cfg.RequestTimeout = d
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := []struct {
		key  string
		dst  *string
		trim bool
	}{
		{EnvServiceURL, &cfg.ServiceURL, true},
		{EnvAdminUsername, &cfg.AdminUsername, true},
		{EnvAdminPassword, &cfg.AdminPassword, false},
		{EnvAdminClientID, &cfg.AdminClientID, true},
		{EnvAdminRealm, &cfg.AdminRealm, true},
		{EnvRealmName, &cfg.RealmName, true},
		{EnvContentSecurityPolicy, &cfg.ContentSecurityPolicy, true},
		{EnvFrontendClientID, &cfg.FrontendClientID, true},
		{EnvBackendClientID, &cfg.BackendClientID, true},
		{EnvClientSecret, &cfg.ClientSecret, false},
		{EnvTestUsername, &cfg.TestUsername, true},
		{EnvTestPassword, &cfg.TestPassword, false},
		{EnvMetricsTextfile, &cfg.MetricsTextfile, true},
		{EnvCAFile, &cfg.CAFile, true},
	}
	for _, s := range strs {
		v, ok := lookup(s.key)
		if !ok {
			continue
		}
		if s.trim {
			v = strings.TrimSpace(v)
		}
		*s.dst = v
	}

	if v, ok := lookup(EnvRecreateRealm); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalid, EnvRecreateRealm, err)
		}
		cfg.RecreateRealm = b
	}
	if v, ok := lookup(EnvRedirectURIs); ok {
		cfg.RedirectURIs = splitList(v)
	}
	if v, ok := lookup(EnvWebOrigins); ok {
		cfg.WebOrigins = splitList(v)
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalid, EnvMaxRetries, err)
		}
		cfg.MaxRetries = n
	}
	if v, ok := lookup(EnvRetryIntervalMS); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalid, EnvRetryIntervalMS, err)
		}
		cfg.RetryIntervalMS = n
	}
	if v, ok := lookup(EnvRequestTimeout); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalid, EnvRequestTimeout, err)
		}
		cfg.RequestTimeout = d
	}
	return nil
}

// Validate reports every problem at once, each wrapped in ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		name  string
		value string
	}{
		{"service_url", c.ServiceURL},
		{"admin_username", c.AdminUsername},
		{"admin_password", c.AdminPassword},
		{"admin_client_id", c.AdminClientID},
		{"admin_realm", c.AdminRealm},
		{"realm_name", c.RealmName},
		{"frontend_client_id", c.FrontendClientID},
		{"backend_client_id", c.BackendClientID},
		{"client_secret", c.ClientSecret},
		{"test_username", c.TestUsername},
		{"test_password", c.TestPassword},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, r.name))
		}
	}

	if c.ServiceURL != "" {
		u, err := url.Parse(c.ServiceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%w: service_url must be an absolute http(s) URL, got %q", ErrInvalid, c.ServiceURL))
		}
	}
	if c.FrontendClientID != "" && c.FrontendClientID == c.BackendClientID {
		errs = append(errs, fmt.Errorf("%w: frontend_client_id and backend_client_id must differ", ErrInvalid))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_retries is required and must be positive, got %d", ErrInvalid, c.MaxRetries))
	}
	if c.RetryIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("%w: retry_interval_ms is required and must not be negative", ErrInvalid))
	}
	if c.RetryIntervalMS > MaxRetryIntervalMS {
		errs = append(errs, fmt.Errorf("%w: retry_interval_ms must be at most %d, got %d", ErrInvalid, MaxRetryIntervalMS, c.RetryIntervalMS))
	}
	if c.CAFile != "" {
		if _, err := os.Stat(c.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("%w: ca_file: %w", ErrInvalid, err))
		}
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: request_timeout must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// MaxRetryIntervalMS is the largest interval that fits in a time.Duration.
const MaxRetryIntervalMS = int64(math.MaxInt64 / int64(time.Millisecond))

// RetryInterval is clamped to MaxRetryIntervalMS so it never wraps negative.
func (c Config) RetryInterval() time.Duration {
	if c.RetryIntervalMS <= 0 {
		return 0
	}
	if c.RetryIntervalMS > MaxRetryIntervalMS {
		return time.Duration(MaxRetryIntervalMS) * time.Millisecond
	}
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

func splitList(raw string) []string {
	return normalizeList(strings.Split(raw, ","))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
