package config

import "time"

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Transport      TransportConfig      `yaml:"transport"` // Global backend transport settings
	Backends       []BackendConfig      `yaml:"backends"`
	Routes         []RouteConfig        `yaml:"routes"`
	Transforms     []TransformConfig    `yaml:"transforms"`
}

// ServerConfig defines the client facing HTTP listener
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TLS               TLSConfig     `yaml:"tls"`
	// FlushInterval > 0 flushes streamed responses at most once per interval.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxJSONBody bounds response bodies buffered for a transform (default 32MiB).
	MaxJSONBody int64 `yaml:"max_json_body"`
	// PublicOrigins lists the scheme://host values the gateway is reached
	// on. Requests for any other host get URLs of the first one.
	PublicOrigins []string `yaml:"public_origins"`
	// MaxOrigins bounds the rewrite rules kept per origin (default 64).
	MaxOrigins int `yaml:"max_origins"`
}

// TLSConfig defines certificate files for the listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin listener serving health and metrics
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"` // stdout, stderr or a file path
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// AuthenticationConfig defines inbound authentication
type AuthenticationConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig defines bearer token validation for clients
type JWTConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Secret    string   `yaml:"secret"`
	PublicKey string   `yaml:"public_key"`
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	Algorithm string   `yaml:"algorithm"` // HS256, RS256
	// Optional lets requests without a valid token through anonymously.
	Optional bool `yaml:"optional"`
}

// TransportConfig defines HTTP transport settings for backend connections
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
	ForceHTTP2            *bool         `yaml:"force_http2"`
}

// Backend authentication types
const (
	AuthNone   = "none"
	AuthToken  = "token"
	AuthBearer = "bearer"
	AuthZGW    = "zgw"
)

// BackendConfig defines a backend API and the local root it is mounted on.
type BackendConfig struct {
	ID             string               `yaml:"id"`
	URL            string               `yaml:"url"`        // remote base URL
	LocalRoot      string               `yaml:"local_root"` // e.g. /zaken/api/v1
	Auth           BackendAuthConfig    `yaml:"auth"`
	Transport      TransportConfig      `yaml:"transport"` // overlay on the global transport
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// BackendAuthConfig defines how the gateway authenticates to a backend
type BackendAuthConfig struct {
	Type               string        `yaml:"type"`  // none, token, bearer, zgw
	Token              string        `yaml:"token"` // token and bearer
	ClientID           string        `yaml:"client_id"`
	Secret             string        `yaml:"secret"`
	TokenTTL           time.Duration `yaml:"token_ttl"` // zgw: lifetime of generated tokens (default 1h)
	UserRepresentation string        `yaml:"user_representation"`
}

// CircuitBreakerConfig defines per-backend circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig defines retries for idempotent backend fetches issued by the
// gateway itself (pagination and embeds). Proxied requests are never retried.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
}

// RouteConfig maps an HTTP method and path to a backend and optional transform
type RouteConfig struct {
	ID         string   `yaml:"id"`
	Methods    []string `yaml:"methods"` // default: all
	Path       string   `yaml:"path"`    // httprouter syntax, e.g. /zaken/api/v1/zaken/:uuid
	Backend    string   `yaml:"backend"`
	TargetPath string   `yaml:"target_path"` // remote path below the backend URL; params are substituted
	Transform  string   `yaml:"transform"`
}

// TransformConfig defines a named pipeline of JSON transform steps
type TransformConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// Transform step types
const (
	StepCopy     = "copy"
	StepRename   = "rename"
	StepDelete   = "delete"
	StepSet      = "set"
	StepAllPages = "all_pages"
	StepEmbed    = "embed"
)

// StepConfig defines one transform step
type StepConfig struct {
	Type  string `yaml:"type"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Field string `yaml:"field"`
	Value string `yaml:"value"` // JSON literal for set
	// Scope selects what the step applies to: "items" (every element of
	// results), "document" or "auto" (items when results is present).
	Scope   string `yaml:"scope"`
	Backend string `yaml:"backend"` // embed: backend the URLs belong to (default: route backend)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       90 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Authentication: AuthenticationConfig{
			JWT: JWTConfig{
				Algorithm: "HS256",
			},
		},
	}
}

// Backend returns the backend with the given id.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}
