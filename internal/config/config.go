// Package config provides functionality for managing configuration options
// for the application using command-line flags, an optional config file and
// environment variables.
//
// Precedence, lowest first: defaults, config file, flags given on the
// command line, environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads as "10s" from flags, JSON and YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	return d.UnmarshalText([]byte(s))
}

// Options holds the configuration values for the application.
type Options struct {
	// Address defines the server's listening address (ip:port).
	Address string `json:"address" yaml:"address"`
	// PublicURL is the externally visible base URL, used for OAuth redirects.
	PublicURL string `json:"public_url" yaml:"public_url"`
	// TLSCert and TLSKey make the server listen with https when both are set.
	TLSCert string `json:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `json:"tls_key" yaml:"tls_key"`

	// DatabaseDSN selects direct Postgres mode when set.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	SupabaseURL string `json:"supabase_url" yaml:"supabase_url"`
	SupabaseKey string `json:"supabase_key" yaml:"supabase_key"`
	// JWTSecret verifies access token signatures. Empty skips verification.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// RedisAddr selects the Redis session store when set.
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	PrettyLog bool   `json:"pretty_log" yaml:"pretty_log"`

	BackendTimeout Duration `json:"backend_timeout" yaml:"backend_timeout"`
	SessionTTL     Duration `json:"session_ttl" yaml:"session_ttl"`
	OAuthProvider  string   `json:"oauth_provider" yaml:"oauth_provider"`

	// SessionFile is where the terminal client keeps its session.
	SessionFile string `json:"session_file" yaml:"session_file"`
	// CallbackAddr is the loopback address of the terminal client's sign-in
	// callback.
	CallbackAddr string `json:"callback_addr" yaml:"callback_addr"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`
}

// Default returns the built-in defaults.
func Default() Options {
	home, _ := os.UserHomeDir()
	return Options{
		Address:        "localhost:8080",
		PublicURL:      "http://localhost:8080",
		LogLevel:       "info",
		BackendTimeout: Duration{10 * time.Second},
		SessionTTL:     Duration{720 * time.Hour},
		OAuthProvider:  "google",
		SessionFile:    filepath.Join(home, ".smartmark", "session.json"),
		CallbackAddr:   "127.0.0.1:54321",
		Config:         "config.json",
	}
}

// UsesPostgres reports whether the direct Postgres backend is selected.
func (o Options) UsesPostgres() bool {
	return o.DatabaseDSN != ""
}

// UsesTLS reports whether the server should listen with https.
func (o Options) UsesTLS() bool {
	return o.TLSCert != "" && o.TLSKey != ""
}

// Validate checks that the selected backend has what it needs.
func (o Options) Validate() error {
	var errs []error
	if o.SupabaseURL == "" {
		errs = append(errs, errors.New("supabase_url is required"))
	}
	if o.SupabaseKey == "" {
		errs = append(errs, errors.New("supabase_key is required"))
	}
	if (o.TLSCert == "") != (o.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if o.BackendTimeout.Duration < 0 {
		errs = append(errs, errors.New("backend_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Parse reads os.Args and the environment. It exits on a bad flag or an
// unreadable config file, like the flag package does.
func Parse() *Options {
	opts, err := Load(os.Args[0], os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return opts
}

// Load builds Options from args and getenv.
func Load(name string, args []string, getenv func(string) string) (*Options, error) {
	options := Default()
	flags := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&flags.Address, "a", flags.Address, "run on ip:port server")
	fs.StringVar(&flags.PublicURL, "public-url", flags.PublicURL, "externally visible base url")
	fs.StringVar(&flags.TLSCert, "tls-cert", flags.TLSCert, "tls certificate file")
	fs.StringVar(&flags.TLSKey, "tls-key", flags.TLSKey, "tls key file")
	fs.StringVar(&flags.DatabaseDSN, "d", flags.DatabaseDSN, "db address")
	fs.StringVar(&flags.SupabaseURL, "supabase-url", flags.SupabaseURL, "supabase project url")
	fs.StringVar(&flags.SupabaseKey, "supabase-key", flags.SupabaseKey, "supabase anon key")
	fs.StringVar(&flags.JWTSecret, "jwt-secret", flags.JWTSecret, "supabase jwt secret")
	fs.StringVar(&flags.RedisAddr, "redis", flags.RedisAddr, "redis address for sessions")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level")
	fs.BoolVar(&flags.PrettyLog, "pretty", flags.PrettyLog, "human readable logs")
	fs.Var(&flags.BackendTimeout, "timeout", "backend call timeout")
	fs.StringVar(&flags.SessionFile, "session-file", flags.SessionFile, "client session file")
	fs.StringVar(&flags.CallbackAddr, "callback", flags.CallbackAddr, "client sign-in callback address")
	fs.StringVar(&flags.Config, "config", flags.Config, "path to config file")
	fs.StringVar(&flags.Config, "c", flags.Config, "path to config file (shorthand)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	options.Config = flags.Config
	if configPath := getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}
	if err := loadFile(options.Config, &options); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			options.Address = flags.Address
		case "public-url":
			options.PublicURL = flags.PublicURL
		case "tls-cert":
			options.TLSCert = flags.TLSCert
		case "tls-key":
			options.TLSKey = flags.TLSKey
		case "d":
			options.DatabaseDSN = flags.DatabaseDSN
		case "supabase-url":
			options.SupabaseURL = flags.SupabaseURL
		case "supabase-key":
			options.SupabaseKey = flags.SupabaseKey
		case "jwt-secret":
			options.JWTSecret = flags.JWTSecret
		case "redis":
			options.RedisAddr = flags.RedisAddr
		case "log-level":
			options.LogLevel = flags.LogLevel
		case "pretty":
			options.PrettyLog = flags.PrettyLog
		case "timeout":
			options.BackendTimeout = flags.BackendTimeout
		case "session-file":
			options.SessionFile = flags.SessionFile
		case "callback":
			options.CallbackAddr = flags.CallbackAddr
		}
	})

	if err := applyEnv(&options, getenv); err != nil {
		return nil, err
	}
	return &options, nil
}

// loadFile merges the config file at path into o. A missing file is not an
// error.
func loadFile(path string, o *Options) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, o)
	default:
		err = json.Unmarshal(data, o)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

func applyEnv(o *Options, getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SERVER_ADDRESS", &o.Address},
		{"PUBLIC_URL", &o.PublicURL},
		{"TLS_CERT_FILE", &o.TLSCert},
		{"TLS_KEY_FILE", &o.TLSKey},
		{"DATABASE_DSN", &o.DatabaseDSN},
		{"SUPABASE_URL", &o.SupabaseURL},
		{"SUPABASE_ANON_KEY", &o.SupabaseKey},
		{"SUPABASE_JWT_SECRET", &o.JWTSecret},
		{"REDIS_ADDR", &o.RedisAddr},
		{"REDIS_PASSWORD", &o.RedisPassword},
		{"LOG_LEVEL", &o.LogLevel},
		{"OAUTH_PROVIDER", &o.OAuthProvider},
		{"SESSION_FILE", &o.SessionFile},
		{"CALLBACK_ADDR", &o.CallbackAddr},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		o.RedisDB = n
	}
	if v := getenv("PRETTY_LOG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PRETTY_LOG: %w", err)
		}
		o.PrettyLog = b
	}
	for key, dst := range map[string]*Duration{
		"BACKEND_TIMEOUT": &o.BackendTimeout,
		"SESSION_TTL":     &o.SessionTTL,
	} {
		if v := getenv(key); v != "" {
			if err := dst.Set(v); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}
