package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/tidwall/gjson"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validScopes = map[string]bool{
	"": true, "auto": true, "items": true, "document": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls: cert_file and key_file are required when enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}
	if cfg.Server.MaxJSONBody < 0 {
		return fmt.Errorf("server.max_json_body must not be negative")
	}
	if cfg.Server.MaxOrigins < 0 {
		return fmt.Errorf("server.max_origins must not be negative")
	}
	for _, o := range cfg.Server.PublicOrigins {
		if err := validateOrigin(o); err != nil {
			return fmt.Errorf("server.public_origins: %w", err)
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	if err := validateJWT(cfg.Authentication.JWT); err != nil {
		return err
	}

	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	backendIDs := make(map[string]bool)
	localRoots := make(map[string]string)
	for i, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if backendIDs[b.ID] {
			return fmt.Errorf("duplicate backend id: %s", b.ID)
		}
		backendIDs[b.ID] = true

		if err := validateBackend(b); err != nil {
			return err
		}
		root := strings.TrimSuffix(b.LocalRoot, "/")
		if other, ok := localRoots[root]; ok {
			return fmt.Errorf("backend %s: local_root %s already used by backend %s", b.ID, b.LocalRoot, other)
		}
		localRoots[root] = b.ID
	}

	transformNames := make(map[string]bool)
	for i, t := range cfg.Transforms {
		if t.Name == "" {
			return fmt.Errorf("transform %d: name is required", i)
		}
		if transformNames[t.Name] {
			return fmt.Errorf("duplicate transform name: %s", t.Name)
		}
		transformNames[t.Name] = true

		for j, s := range t.Steps {
			if err := validateStep(s, backendIDs); err != nil {
				return fmt.Errorf("transform %s step %d: %w", t.Name, j, err)
			}
		}
	}

	routeIDs := make(map[string]bool)
	for i, r := range cfg.Routes {
		if r.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[r.ID] {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		routeIDs[r.ID] = true

		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route %s: path must start with /", r.ID)
		}
		if !backendIDs[r.Backend] {
			return fmt.Errorf("route %s: references unknown backend: %s", r.ID, r.Backend)
		}
		if r.Transform != "" && !transformNames[r.Transform] {
			return fmt.Errorf("route %s: references unknown transform: %s", r.ID, r.Transform)
		}
		if r.TargetPath != "" && !strings.HasPrefix(r.TargetPath, "/") {
			return fmt.Errorf("route %s: target_path must start with /", r.ID)
		}
		for _, m := range r.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %s: invalid method: %s", r.ID, m)
			}
		}
	}

	return nil
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) origin", origin)
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%q must not carry a path or query", origin)
	}
	return nil
}

func validateJWT(cfg JWTConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		if cfg.Secret == "" {
			return fmt.Errorf("authentication.jwt: secret is required for %s", cfg.Algorithm)
		}
	case strings.HasPrefix(cfg.Algorithm, "RS"):
		if cfg.PublicKey == "" {
			return fmt.Errorf("authentication.jwt: public_key is required for %s", cfg.Algorithm)
		}
	default:
		return fmt.Errorf("authentication.jwt: unsupported algorithm: %s", cfg.Algorithm)
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	if b.URL == "" {
		return fmt.Errorf("backend %s: url is required", b.ID)
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("backend %s: invalid url: %w", b.ID, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend %s: url must be an absolute http(s) url", b.ID)
	}
	if !strings.HasPrefix(b.LocalRoot, "/") {
		return fmt.Errorf("backend %s: local_root must start with /", b.ID)
	}

	switch b.Auth.Type {
	case "", AuthNone:
	case AuthToken, AuthBearer:
		if b.Auth.Token == "" {
			return fmt.Errorf("backend %s: auth token is required for type %s", b.ID, b.Auth.Type)
		}
	case AuthZGW:
		if b.Auth.ClientID == "" || b.Auth.Secret == "" {
			return fmt.Errorf("backend %s: auth client_id and secret are required for type zgw", b.ID)
		}
	default:
		return fmt.Errorf("backend %s: invalid auth type: %s", b.ID, b.Auth.Type)
	}

	if b.CircuitBreaker.FailureThreshold < 0 || b.CircuitBreaker.MaxRequests < 0 {
		return fmt.Errorf("backend %s: circuit_breaker values must be >= 0", b.ID)
	}
	if b.Retry.MaxRetries < 0 {
		return fmt.Errorf("backend %s: retry.max_retries must be >= 0", b.ID)
	}
	return nil
}

func validateStep(s StepConfig, backends map[string]bool) error {
	if !validScopes[s.Scope] {
		return fmt.Errorf("invalid scope: %s", s.Scope)
	}

	switch s.Type {
	case StepCopy, StepRename, StepEmbed:
		if s.From == "" || s.To == "" {
			return fmt.Errorf("%s requires from and to", s.Type)
		}
		if s.Backend != "" && !backends[s.Backend] {
			return fmt.Errorf("references unknown backend: %s", s.Backend)
		}
	case StepDelete:
		if s.Field == "" {
			return fmt.Errorf("delete requires field")
		}
	case StepSet:
		if s.Field == "" {
			return fmt.Errorf("set requires field")
		}
		if !gjson.Valid(s.Value) {
			return fmt.Errorf("set value is not a JSON literal: %s", s.Value)
		}
	case StepAllPages:
	default:
		return fmt.Errorf("unknown step type: %q", s.Type)
	}
	return nil
}
