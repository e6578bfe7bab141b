package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api, worker and dialerctl
// processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Provider ProviderConfig
	Dispatch DispatchConfig
	Billing  BillingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// ProviderConfig points the telephony adapter at the outbound-call provider.
// Credentials are per campaign and never configured here.
type ProviderConfig struct {
	BaseURL string
	Timeout time.Duration
}

type DispatchMode string

const (
	// DispatchModeWorker enqueues loops for cmd/worker.
	DispatchModeWorker DispatchMode = "worker"
	// DispatchModeInline runs loops inside the api process.
	DispatchModeInline DispatchMode = "inline"
)

type DispatchConfig struct {
	Mode DispatchMode

	// Backoff is the wait after an unavailable check, a full provider or a
	// failed launch before the same contact is re-evaluated.
	Backoff       time.Duration
	LaunchTimeout time.Duration
	LeaseTTL      time.Duration

	WorkerConcurrency  int
	ReconcilerInterval time.Duration
	EnrichParallelism  int
}

// BillingConfig drives the remaining-allowance check. CallCostMinor = 0
// disables the check.
type BillingConfig struct {
	CallCostMinor int64
	Currency      string
	TopUpURL      string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration and tuning vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.Timeout, parseErrs = optDuration(parseErrs, "PROVIDER_TIMEOUT")

	c.Dispatch.Mode = DispatchMode(strings.TrimSpace(os.Getenv("DISPATCH_MODE")))
	c.Dispatch.Backoff, parseErrs = optDuration(parseErrs, "DISPATCH_BACKOFF")
	c.Dispatch.LaunchTimeout, parseErrs = optDuration(parseErrs, "DISPATCH_LAUNCH_TIMEOUT")
	c.Dispatch.LeaseTTL, parseErrs = optDuration(parseErrs, "DISPATCH_LEASE_TTL")
	c.Dispatch.WorkerConcurrency, parseErrs = optInt(parseErrs, "WORKER_CONCURRENCY")
	c.Dispatch.ReconcilerInterval, parseErrs = optDuration(parseErrs, "RECONCILER_INTERVAL")
	c.Dispatch.EnrichParallelism, parseErrs = optInt(parseErrs, "ENRICH_PARALLELISM")

	{
		n, errs := optInt(nil, "BILLING_CALL_COST_MINOR")
		parseErrs = append(parseErrs, errs...)
		c.Billing.CallCostMinor = int64(n)
	}
	c.Billing.Currency = strings.TrimSpace(os.Getenv("BILLING_CURRENCY"))
	c.Billing.TopUpURL = strings.TrimSpace(os.Getenv("BILLING_TOPUP_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.retellai.com"
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 10 * time.Second
	}

	switch c.Dispatch.Mode {
	case "":
		c.Dispatch.Mode = DispatchModeWorker
	case DispatchModeWorker, DispatchModeInline:
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_MODE must be one of worker, inline, got %q", c.Dispatch.Mode))
	}
	if c.Dispatch.Backoff <= 0 {
		c.Dispatch.Backoff = 5 * time.Second
	}
	if c.Dispatch.LaunchTimeout <= 0 {
		c.Dispatch.LaunchTimeout = 15 * time.Second
	}
	if c.Dispatch.LeaseTTL <= 0 {
		c.Dispatch.LeaseTTL = 30 * time.Second
	}
	if c.Dispatch.LeaseTTL < 2*time.Second {
		errs = append(errs, errors.New("DISPATCH_LEASE_TTL must be at least 2s"))
	}
	if c.Dispatch.WorkerConcurrency <= 0 {
		c.Dispatch.WorkerConcurrency = 8
	}
	if c.Dispatch.ReconcilerInterval <= 0 {
		c.Dispatch.ReconcilerInterval = 2 * time.Second
	}
	if c.Dispatch.EnrichParallelism <= 0 {
		c.Dispatch.EnrichParallelism = 4
	}

	if c.Billing.CallCostMinor < 0 {
		errs = append(errs, errors.New("BILLING_CALL_COST_MINOR must be >= 0"))
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "USD"
	}
	if c.Billing.CallCostMinor > 0 && c.Billing.TopUpURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("BILLING_TOPUP_URL is required in production when billing is enabled"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
