// Package config provides configuration management for the HLS authenticating
// reverse proxy. It supports environment variable-based configuration with
// validation and default values for every component: Redis, backend origin,
// the outbound HTTP pool, streaming, authorization, traffic accounting, the
// M3U8 adaptive counter, CORS, and test-only bypass flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// MinSecretKeyLength is the minimum required length for the HMAC secret key.
	MinSecretKeyLength = 16
	// MinPortNumber is the minimum valid port number.
	MinPortNumber = 1
	// MaxPortNumber is the maximum valid port number.
	MaxPortNumber = 65535
)

// BackendMode selects the origin the transport streams from.
type BackendMode string

const (
	BackendHTTP       BackendMode = "http"
	BackendFilesystem BackendMode = "filesystem"
)

// Config aggregates every component-specific configuration block.
type Config struct {
	Server   ServerConfig   `envconfig:"SERVER"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Backend  BackendConfig  `envconfig:"BACKEND"`
	HTTPPool HTTPPoolConfig `envconfig:"HTTP_POOL"`
	Stream   StreamConfig   `envconfig:"STREAM"`
	Auth     AuthConfig     `envconfig:"AUTH"`
	Traffic  TrafficConfig  `envconfig:"TRAFFIC"`
	M3U8     M3U8Config     `envconfig:"M3U8"`
	Test     TestFlags      `envconfig:"TEST"`
	CORS     CORSConfig     `envconfig:"CORS"`
	Logging  LoggingConfig  `envconfig:"LOGGING"`
}

// ServerConfig holds HTTP server network settings, timeouts, and TLS paths.
type ServerConfig struct {
	Port            int           `envconfig:"PORT"             default:"8080"`
	Host            string        `envconfig:"HOST"             default:"0.0.0.0"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT"     default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT"    default:"0s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT"     default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	TLSCert         string        `envconfig:"TLS_CERT"`
	TLSKey          string        `envconfig:"TLS_KEY"`
}

// RedisConfig contains Redis connection and pool configuration.
type RedisConfig struct {
	URL          string        `envconfig:"URL"           default:"redis://localhost:6379"`
	Password     string        `envconfig:"PASSWORD"`
	DB           int           `envconfig:"DB"            default:"0"`
	PoolSize     int           `envconfig:"POOL_SIZE"     default:"150"`
	MinIdleConn  int           `envconfig:"MIN_IDLE_CONN" default:"10"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT"  default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT"  default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// BackendConfig selects and configures the origin the proxy streams from.
type BackendConfig struct {
	Mode               BackendMode `envconfig:"MODE"                default:"http"`
	Host               string      `envconfig:"HOST"                default:"127.0.0.1"`
	Port               int         `envconfig:"PORT"                default:"80"`
	UseHTTPS           bool        `envconfig:"USE_HTTPS"           default:"false"`
	SSLVerify          bool        `envconfig:"SSL_VERIFY"          default:"true"`
	ProxyHostHeader    string      `envconfig:"PROXY_HOST_HEADER"`
	FilesystemRoot     string      `envconfig:"FILESYSTEM_ROOT"     default:"/srv/media"`
	FilesystemSendfile bool        `envconfig:"FILESYSTEM_SENDFILE" default:"true"`
}

// HTTPPoolConfig bounds the outbound HTTP client used in HTTP backend mode.
type HTTPPoolConfig struct {
	ConnectorLimit int           `envconfig:"CONNECTOR_LIMIT" default:"100"`
	PerHost        int           `envconfig:"PER_HOST"        default:"30"`
	KeepAlive      time.Duration `envconfig:"KEEPALIVE"       default:"60s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	TotalTimeout   time.Duration `envconfig:"TOTAL_TIMEOUT"   default:"90s"`
	DNSCache       time.Duration `envconfig:"DNS_CACHE"       default:"600s"`
}

// StreamConfig controls the chunk-size policy (§4.5 of SPEC_FULL.md).
type StreamConfig struct {
	ChunkSmall  int64 `envconfig:"CHUNK_SMALL"  default:"32768"`   // < 1 MiB files
	ChunkMedium int64 `envconfig:"CHUNK_MEDIUM" default:"131072"`  // 1-32 MiB
	ChunkLarge  int64 `envconfig:"CHUNK_LARGE"  default:"524288"`  // 32-256 MiB
	ChunkHuge   int64 `envconfig:"CHUNK_HUGE"   default:"2097152"` // >= 256 MiB
}

// AuthConfig contains the authorization pipeline's tunables.
type AuthConfig struct {
	SecretKey                   string        `envconfig:"SECRET_KEY" required:"true"`
	APIKey                      string        `envconfig:"API_KEY" required:"true"`
	SessionTTL                  time.Duration `envconfig:"SESSION_TTL"                      default:"1800s"`
	IPAccessTTL                 time.Duration `envconfig:"IP_ACCESS_TTL"                    default:"3600s"`
	MaxUAIPPairsPerUID          int           `envconfig:"MAX_UA_IP_PAIRS_PER_UID"          default:"5"`
	MaxPathsPerEntry            int           `envconfig:"MAX_PATHS_PER_ENTRY"              default:"32"`
	FixedIPWhitelist            []string      `envconfig:"FIXED_IP_WHITELIST"`
	EnableStaticFileIPOnlyCheck bool          `envconfig:"ENABLE_STATIC_FILE_IP_ONLY_CHECK" default:"false"`
	StaticFileExtensions        []string      `envconfig:"STATIC_FILE_EXTENSIONS" default:".jpg,.jpeg,.png,.gif,.css,.js,.ico"`
	FullyAllowedExtensions      []string      `envconfig:"FULLY_ALLOWED_EXTENSIONS" default:".ts,.webp,.php"`
	SafeKeyProtectEnabled       bool          `envconfig:"SAFE_KEY_PROTECT_ENABLED" default:"false"`
	SafeKeyProtectBase          string        `envconfig:"SAFE_KEY_PROTECT_BASE"`
}

// TrafficConfig controls the traffic accounting engine.
type TrafficConfig struct {
	Enabled                bool          `envconfig:"ENABLED"                  default:"true"`
	ReportURL              string        `envconfig:"REPORT_URL"`
	APIKey                 string        `envconfig:"API_KEY"`
	MinBytesThreshold      int64         `envconfig:"MIN_BYTES_THRESHOLD"      default:"1048576"`
	ReportInterval         time.Duration `envconfig:"REPORT_INTERVAL"          default:"300s"`
	AccumulatorIdleTimeout time.Duration `envconfig:"ACCUMULATOR_IDLE_TIMEOUT" default:"600s"`
	LongIdleTimeout        time.Duration `envconfig:"LONG_IDLE_TIMEOUT"        default:"1800s"`
}

// ClassLimit is a (window, max-reads) pair for one browser class.
type ClassLimit struct {
	Window time.Duration
	Max    int64
}

// M3U8Config holds per-browser-class adaptive counter limits.
type M3U8Config struct {
	MobileWindow  time.Duration `envconfig:"MOBILE_WINDOW"  default:"30s"`
	MobileMax     int64         `envconfig:"MOBILE_MAX"     default:"3"`
	DesktopWindow time.Duration `envconfig:"DESKTOP_WINDOW" default:"20s"`
	DesktopMax    int64         `envconfig:"DESKTOP_MAX"    default:"2"`
	ToolWindow    time.Duration `envconfig:"TOOL_WINDOW"    default:"15s"`
	ToolMax       int64         `envconfig:"TOOL_MAX"       default:"1"`
}

// LimitFor returns the configured (window, max) pair for the given browser class.
func (c M3U8Config) LimitFor(class string) ClassLimit {
	switch class {
	case "mobile_browser":
		return ClassLimit{Window: c.MobileWindow, Max: c.MobileMax}
	case "desktop_browser":
		return ClassLimit{Window: c.DesktopWindow, Max: c.DesktopMax}
	default:
		return ClassLimit{Window: c.ToolWindow, Max: c.ToolMax}
	}
}

// TestFlags are bypass switches that MUST remain false in production.
type TestFlags struct {
	DisableIPWhitelist       bool `envconfig:"DISABLE_IP_WHITELIST"       default:"false"`
	DisablePathProtection    bool `envconfig:"DISABLE_PATH_PROTECTION"    default:"false"`
	DisableSessionValidation bool `envconfig:"DISABLE_SESSION_VALIDATION" default:"false"`
}

// AnyEnabled reports whether any test bypass flag is set.
func (t TestFlags) AnyEnabled() bool {
	return t.DisableIPWhitelist || t.DisablePathProtection || t.DisableSessionValidation
}

// CORSConfig is intentionally thin: the proxy always dynamically echoes the
// request Origin (see SPEC_FULL.md §4.5 / §9), so there is no allow-list to
// configure — only whether credentials are exposed.
type CORSConfig struct {
	AllowCredentials bool `envconfig:"ALLOW_CREDENTIALS" default:"true"`
}

// LoggingConfig selects level, format, and output destination for logger.New.
type LoggingConfig struct {
	Level  string `envconfig:"LEVEL"  default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
	Output string `envconfig:"OUTPUT" default:"stdout"`
}

// Load reads configuration from the environment (with "PROXY" as the
// envconfig prefix) and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("PROXY", &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// Validate enforces structural invariants across the configuration surface.
// It never mutates defaults silently; a misconfigured extension set is a
// startup error, not a silently-disabled fast path (see SPEC_FULL.md §12.7).
func (c *Config) Validate() error {
	if len(c.Auth.SecretKey) < MinSecretKeyLength {
		return fmt.Errorf("auth secret key must be at least %d characters", MinSecretKeyLength)
	}
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Backend.Mode != BackendHTTP && c.Backend.Mode != BackendFilesystem {
		return fmt.Errorf("backend mode must be %q or %q, got %q", BackendHTTP, BackendFilesystem, c.Backend.Mode)
	}
	if c.Backend.Mode == BackendFilesystem && c.Backend.FilesystemRoot == "" {
		return errors.New("filesystem root must be set when backend mode is filesystem")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.IPAccessTTL <= 0 {
		return errors.New("session and ip-access TTLs must be positive")
	}
	if err := validateExtensionSet("fully_allowed_extensions", c.Auth.FullyAllowedExtensions); err != nil {
		return err
	}
	if err := validateExtensionSet("static_file_extensions", c.Auth.StaticFileExtensions); err != nil {
		return err
	}
	return nil
}

// validateExtensionSet rejects malformed extension entries such as an
// accidental string concatenation producing a multi-dot token (the class of
// bug original_source/diagnose_fully_allowed_extensions.py was written to
// diagnose after the fact); here it is caught at startup instead.
func validateExtensionSet(name string, exts []string) error {
	for _, ext := range exts {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%s: entry %q must start with '.'", name, ext)
		}
		if strings.Count(ext, ".") != 1 {
			return fmt.Errorf("%s: entry %q must contain exactly one '.'", name, ext)
		}
	}
	return nil
}

// ServerAddr returns the host:port the HTTP server should bind to.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsTLSEnabled reports whether the server should serve HTTPS.
func (c *Config) IsTLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

// OriginBaseURL returns the scheme://host:port prefix for HTTP backend mode.
func (c *Config) OriginBaseURL() string {
	scheme := "http"
	if c.Backend.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Backend.Host, c.Backend.Port)
}
