package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"nanohost/svc/util"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	util.Wipe(s.value)
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string

	DatabasePath  string
	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	AdminToken          Secret
	HostingDomain       string
	HostingPrefix       string
	MinRetentionMinutes int64
	MaxFileSize         int64

	Bucket          string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     Secret
	UploadURLExpiry time.Duration

	ServerWIF             Secret
	WIFFromSecrets        bool
	WalletURL             string
	BridgeURLs            []string
	BroadcastTimeout      time.Duration
	RetentionSafetyMargin time.Duration

	PricePerGBMonth int64
	MinPrice        int64

	RateLimit      RateLimitCfg
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret
	AllowedOrigins []string

	ContextTimeout time.Duration
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration
	EventCacheSize int

	InvoiceTTL      time.Duration
	CleanupInterval time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "nanohost.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.AdminToken = NewSecret(getEnv("ADMIN_TOKEN", ""))
	c.HostingDomain = getEnv("HOSTING_DOMAIN", "")
	c.HostingPrefix = strings.Trim(getEnv("HOSTING_PREFIX", "cdn"), "/")
	c.MinRetentionMinutes, err = getInt64("MIN_RETENTION_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	c.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 11_000_000_000)
	if err != nil {
		return nil, err
	}

	c.Bucket = getEnv("S3_BUCKET", "")
	c.S3Region = getEnv("S3_REGION", "us-east-1")
	c.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	c.S3SecretKey = NewSecret(getEnv("S3_SECRET_KEY", ""))
	c.UploadURLExpiry, err = getDuration("UPLOAD_URL_EXPIRY", 1*time.Hour)
	if err != nil {
		return nil, err
	}

	c.ServerWIF = NewSecret(getEnv("SERVER_WIF", ""))
	c.WIFFromSecrets = getEnv("WIF_FROM_SECRETS", "false") == "true"
	c.WalletURL = getEnv("WALLET_URL", "")
	c.BridgeURLs = getSlice("BRIDGE_URLS", []string{})
	c.BroadcastTimeout, err = getDuration("BROADCAST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.RetentionSafetyMargin, err = getDuration("RETENTION_SAFETY_MARGIN", 300*time.Second)
	if err != nil {
		return nil, err
	}

	c.PricePerGBMonth, err = getInt64("PRICE_PER_GB_MONTH", 50_000)
	if err != nil {
		return nil, err
	}
	c.MinPrice, err = getInt64("MIN_PRICE", 546)
	if err != nil {
		return nil, err
	}

	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.EventCacheSize, err = getInt("EVENT_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	c.InvoiceTTL, err = getDuration("INVOICE_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.HostingDomain == "" {
		return errors.New("HOSTING_DOMAIN is required")
	}
	if u, err := url.Parse(c.HostingDomain); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("HOSTING_DOMAIN must be an absolute URL")
	}
	if c.HostingPrefix == "" {
		return errors.New("HOSTING_PREFIX is required")
	}
	if v := c.AdminToken.Value(); v != "" && len(v) <= 10 {
		return errors.New("ADMIN_TOKEN must be longer than 10 characters")
	}
	if c.MinRetentionMinutes < 0 {
		return errors.New("MIN_RETENTION_MINUTES cannot be negative")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("MAX_FILE_SIZE must be positive")
	}
	if c.Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	if c.WalletURL != "" {
		if u, err := url.Parse(c.WalletURL); err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("WALLET_URL must be an absolute URL")
		}
	}
	for _, b := range c.BridgeURLs {
		if u, err := url.Parse(b); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid bridge URL: %s", b)
		}
	}
	if c.RetentionSafetyMargin < time.Minute {
		return errors.New("RETENTION_SAFETY_MARGIN must be at least 1 minute")
	}
	if c.PricePerGBMonth < 0 || c.MinPrice < 0 {
		return errors.New("price parameters cannot be negative")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.WalletURL == "" {
			return errors.New("WALLET_URL is required in production")
		}
		if !c.WIFFromSecrets && c.ServerWIF.Value() == "" {
			return errors.New("SERVER_WIF is required if WIF_FROM_SECRETS is false")
		}
	}
	if c.InvoiceTTL < time.Hour {
		return errors.New("INVOICE_TTL must be at least 1 hour")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AdminToken.Wipe()
	c.S3SecretKey.Wipe()
	c.ServerWIF.Wipe()
}

// PublicURL renders the retrieval URL a hosted object will be served from.
func (c *Cfg) PublicURL(objectIdentifier string) string {
	return c.HostingDomain + "/" + c.HostingPrefix + "/" + objectIdentifier
}

// ObjectKey is the storage key for a hosted object.
func (c *Cfg) ObjectKey(objectIdentifier string) string {
	return c.HostingPrefix + "/" + objectIdentifier
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
