// Package config resolves crashpad settings from the environment, a YAML
// file and explicit values.
//
// Settings are flat string keys. Sources are consulted in order and the first
// one that defines a key wins, so a typical chain is
//
//	config.Chain{flags, config.Env{}, file}
//
// Load applies defaults for keys no source defines and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/spool"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/upload"
)

// Keys understood by Load.
const (
	KeyDir           = "dir"
	KeyEndpoint      = "endpoint"
	KeyAPIKey        = "api_key"
	KeyAppName       = "app_name"
	KeyAppVersion    = "app_version"
	KeyAppBuild      = "app_build"
	KeyMaxAttempts   = "max_attempts"
	KeyMaxFrames     = "max_frames"
	KeyMaxAge        = "max_age"
	KeyUploadTimeout = "upload_timeout"
	KeyConcurrency   = "concurrency"
	KeyUploadRate    = "upload_rate"
	KeyCompression   = "compression"
)

// EnvPrefix is prepended to upper-cased keys by Env.
const EnvPrefix = "CRASHPAD_"

// ErrMissing is returned when a required setting is absent.
var ErrMissing = errors.New("required setting missing")

// Source looks up a setting by key.
type Source interface {
	Lookup(key string) (string, bool)
}

// Env reads CRASHPAD_<KEY> environment variables. Prefix overrides
// EnvPrefix when set.
type Env struct {
	Prefix string
}

func (e Env) Lookup(key string) (string, bool) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	v, ok := os.LookupEnv(prefix + strings.ToUpper(key))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Map is a fixed set of settings, such as parsed command-line flags. Empty
// values count as unset.
type Map map[string]string

func (m Map) Lookup(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Chain consults each source in order.
type Chain []Source

func (c Chain) Lookup(key string) (string, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// LoadFile reads a YAML file of top-level scalar settings:
//
//	dir: /var/lib/myapp/crashes
//	endpoint: https://crashes.example.com/v1/reports
//	max_attempts: 5
//	max_age: 720h
func LoadFile(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	m := make(Map, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			m[key] = v
		case int, int64, uint64, float64, bool:
			m[key] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("config %s: %s must be a scalar, got %T", path, key, value)
		}
	}
	return m, nil
}

// Settings is the resolved configuration of a crashpad deployment.
type Settings struct {
	// Dir holds the install ID, the spool and crash-output sessions.
	Dir string
	// Endpoint is the ingestion URL. Uploading is disabled when empty.
	Endpoint string
	APIKey   string
	App      crashpad.AppInfo

	MaxAttempts   int
	MaxFrames     int
	MaxAge        time.Duration
	UploadTimeout time.Duration
	Concurrency   int
	// UploadRate is requests per second; 0 is unlimited.
	UploadRate  float64
	Compression spool.Compression
}

// SpoolDir returns the directory of pending reports.
func (s Settings) SpoolDir() string {
	return filepath.Join(s.Dir, "pending")
}

// InstallIDPath returns the path of the install ID file.
func (s Settings) InstallIDPath() string {
	return filepath.Join(s.Dir, crashpad.InstallIDFile)
}

// Defaults returns the settings used for keys no source defines. Dir
// defaults to <user cache dir>/crashpad.
func Defaults() Settings {
	s := Settings{
		MaxAttempts:   upload.DefaultMaxAttempts,
		MaxFrames:     crashpad.DefaultMaxFrames,
		MaxAge:        upload.DefaultMaxAge,
		UploadTimeout: upload.DefaultTimeout,
		Concurrency:   1,
		Compression:   spool.CompressionZstd,
	}
	if cache, err := os.UserCacheDir(); err == nil {
		s.Dir = filepath.Join(cache, "crashpad")
	}
	return s
}

// Load resolves settings from src on top of Defaults.
func Load(src Source) (Settings, error) {
	s := Defaults()
	p := parser{src: src}

	if v, ok := src.Lookup(KeyDir); ok {
		s.Dir = os.ExpandEnv(v)
	}
	p.str(KeyEndpoint, &s.Endpoint)
	p.str(KeyAPIKey, &s.APIKey)
	p.str(KeyAppName, &s.App.Name)
	p.str(KeyAppVersion, &s.App.Version)
	p.str(KeyAppBuild, &s.App.Build)
	p.integer(KeyMaxAttempts, &s.MaxAttempts)
	p.integer(KeyMaxFrames, &s.MaxFrames)
	p.duration(KeyMaxAge, &s.MaxAge)
	p.duration(KeyUploadTimeout, &s.UploadTimeout)
	p.integer(KeyConcurrency, &s.Concurrency)
	p.float(KeyUploadRate, &s.UploadRate)
	if v, ok := src.Lookup(KeyCompression); ok {
		c, err := spool.ParseCompression(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", KeyCompression, err))
		}
		s.Compression = c
	}
	if err := errors.Join(p.errs...); err != nil {
		return Settings{}, err
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks ranges and required values.
func (s Settings) Validate() error {
	var errs []error
	if s.Dir == "" {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, KeyDir))
	}
	if s.APIKey != "" && s.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%w: %s (api_key is set)", ErrMissing, KeyEndpoint))
	}
	if s.Endpoint != "" && !strings.HasPrefix(s.Endpoint, "https://") && !strings.HasPrefix(s.Endpoint, "http://") {
		errs = append(errs, fmt.Errorf("%s: %q is not an http(s) URL", KeyEndpoint, s.Endpoint))
	}
	if s.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxAttempts))
	}
	if s.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", KeyMaxFrames))
	}
	if s.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxAge))
	}
	if s.UploadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyUploadTimeout))
	}
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", KeyConcurrency))
	}
	if s.UploadRate < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyUploadRate))
	}
	return errors.Join(errs...)
}

// parser collects conversion errors so every bad key is reported at once.
type parser struct {
	src  Source
	errs []error
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.src.Lookup(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.src.Lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (p *parser) float(key string, dst *float64) {
	v, ok := p.src.Lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.src.Lookup(key)
	if !ok {
		return
	}
	d, err := parseDuration(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// parseDuration accepts time.ParseDuration syntax plus a whole number of
// days such as "30d".
func parseDuration(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
