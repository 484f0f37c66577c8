// Package config loads the ironca service configuration from a YAML file
// and IRONCA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

// EnvPrefix is prepended to every environment override, so signer.token
// is read from IRONCA_SIGNER_TOKEN.
const EnvPrefix = "IRONCA"

const redacted = "[REDACTED]"

// Section names accepted by Validate.
const (
	SectionSigner   = "signer"
	SectionTransLog = "translog"
	SectionFrontend = "frontend"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `mapstructure:"alerts" yaml:"alerts"`
	Signer    SignerConfig    `mapstructure:"signer" yaml:"signer"`
	TransLog  TransLogConfig  `mapstructure:"translog" yaml:"translog"`
	Frontend  FrontendConfig  `mapstructure:"frontend" yaml:"frontend"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// TelemetryConfig enables OTLP metric export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Insecure    bool          `mapstructure:"insecure" yaml:"insecure"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"min=1s"`
	ServiceName string        `mapstructure:"service_name" yaml:"service_name" validate:"required"`
}

// StorageConfig selects the repository backing PSKs, request audit
// records, serials, CRL state and the log outbox.
type StorageConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory bbolt postgres"`
	Path        string `mapstructure:"path" yaml:"path,omitempty" validate:"required_if=Backend bbolt"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url,omitempty" validate:"required_if=Backend postgres"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

type AlertsConfig struct {
	WebhookURL        string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty" validate:"omitempty,url"`
	WebhookAuthHeader string `mapstructure:"webhook_auth_header" yaml:"webhook_auth_header,omitempty"`
}

// ServerConfig is the listener shared by every service.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	TLSCert         string        `mapstructure:"tls_cert" yaml:"tls_cert,omitempty" validate:"required_with=TLSKey"`
	TLSKey          string        `mapstructure:"tls_key" yaml:"tls_key,omitempty" validate:"required_with=TLSCert"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies,omitempty"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=1s"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=1s"`
}

// TLSEnabled reports whether both a certificate and key are configured.
func (s ServerConfig) TLSEnabled() bool { return s.TLSCert != "" && s.TLSKey != "" }

type SignerConfig struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Token  string       `mapstructure:"token" yaml:"token" validate:"required,min=16"`

	CACert  string `mapstructure:"ca_cert" yaml:"ca_cert" validate:"required"`
	CAChain string `mapstructure:"ca_chain" yaml:"ca_chain,omitempty"`
	CAKey   string `mapstructure:"ca_key" yaml:"ca_key" validate:"required"`
	// PassphraseFile takes precedence over PassphraseEnv.
	PassphraseFile string `mapstructure:"passphrase_file" yaml:"passphrase_file,omitempty" validate:"required_without=PassphraseEnv"`
	PassphraseEnv  string `mapstructure:"passphrase_env" yaml:"passphrase_env,omitempty"`

	LogURL            string        `mapstructure:"log_url" yaml:"log_url" validate:"required,url"`
	LogToken          string        `mapstructure:"log_token" yaml:"log_token" validate:"required"`
	LogTimeout        time.Duration `mapstructure:"log_timeout" yaml:"log_timeout" validate:"min=100ms"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"min=1s"`

	CRLValidity      time.Duration `mapstructure:"crl_validity" yaml:"crl_validity" validate:"min=1h"`
	ServerLifespan   time.Duration `mapstructure:"server_lifespan" yaml:"server_lifespan" validate:"min=1h"`
	ComputerLifespan time.Duration `mapstructure:"computer_lifespan" yaml:"computer_lifespan" validate:"min=1h"`
	ClientLifespan   time.Duration `mapstructure:"client_lifespan" yaml:"client_lifespan" validate:"min=1h"`
}

// Profiles returns the issuance policies with the configured lifespans.
func (s SignerConfig) Profiles() pki.Profiles {
	return pki.NewProfiles(s.ServerLifespan, s.ComputerLifespan, s.ClientLifespan)
}

type TransLogConfig struct {
	Server     ServerConfig `mapstructure:"server" yaml:"server"`
	Token      string       `mapstructure:"token" yaml:"token" validate:"required,min=16"`
	SQLitePath string       `mapstructure:"sqlite_path" yaml:"sqlite_path" validate:"required"`
}

type FrontendConfig struct {
	Server      ServerConfig `mapstructure:"server" yaml:"server"`
	SignerURL   string       `mapstructure:"signer_url" yaml:"signer_url" validate:"required,url"`
	SignerToken string       `mapstructure:"signer_token" yaml:"signer_token" validate:"required"`
	SignTimeout time.Duration `mapstructure:"sign_timeout" yaml:"sign_timeout" validate:"min=100ms"`

	// TunnelKeyFile holds the master secret tls-crypt keys are derived from.
	// It is required when server bundles are enabled.
	TunnelKeyFile string   `mapstructure:"tunnel_key_file" yaml:"tunnel_key_file,omitempty"`
	Enabled       []string `mapstructure:"enabled" yaml:"enabled" validate:"dive,oneof=server computer client"`

	KeySpec        csr.KeySpec   `mapstructure:"key_spec" yaml:"key_spec"`
	MinEntropyBits int           `mapstructure:"min_entropy_bits" yaml:"min_entropy_bits" validate:"gte=0"`
	EntropyWait    time.Duration `mapstructure:"entropy_wait" yaml:"entropy_wait" validate:"gte=0"`
	KDFProfile     string        `mapstructure:"kdf_profile" yaml:"kdf_profile" validate:"oneof=interactive moderate sensitive"`
}

// EnabledTypes parses Enabled. An empty list enables every type.
func (f FrontendConfig) EnabledTypes() ([]pki.CertificateType, error) {
	out := make([]pki.CertificateType, 0, len(f.Enabled))
	for _, s := range f.Enabled {
		t, err := pki.ParseCertificateType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ServerEnabled reports whether server bundles may be issued.
func (f FrontendConfig) ServerEnabled() bool {
	if len(f.Enabled) == 0 {
		return true
	}
	for _, s := range f.Enabled {
		if s == string(pki.TypeServer) {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval", "30s")
	v.SetDefault("telemetry.service_name", "ironca")

	v.SetDefault("storage.backend", "bbolt")
	v.SetDefault("storage.path", "ironca.db")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.max_conns", 10)

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.webhook_auth_header", "")

	serverDefaults(v, "signer.server", "127.0.0.1:8443")
	v.SetDefault("signer.token", "")
	v.SetDefault("signer.ca_cert", "ca/intermediate.crt")
	v.SetDefault("signer.ca_chain", "ca/chain.crt")
	v.SetDefault("signer.ca_key", "ca/intermediate.key")
	v.SetDefault("signer.passphrase_file", "")
	v.SetDefault("signer.passphrase_env", "IRONCA_CA_PASSPHRASE")
	v.SetDefault("signer.log_url", "http://127.0.0.1:8444")
	v.SetDefault("signer.log_token", "")
	v.SetDefault("signer.log_timeout", "5s")
	v.SetDefault("signer.reconcile_interval", "1m")
	v.SetDefault("signer.crl_validity", "168h")
	v.SetDefault("signer.server_lifespan", pki.DefaultServerLifespan.String())
	v.SetDefault("signer.computer_lifespan", pki.DefaultClientLifespan.String())
	v.SetDefault("signer.client_lifespan", pki.DefaultClientLifespan.String())

	serverDefaults(v, "translog.server", "127.0.0.1:8444")
	v.SetDefault("translog.token", "")
	v.SetDefault("translog.sqlite_path", "translog.db")

	serverDefaults(v, "frontend.server", "0.0.0.0:8080")
	v.SetDefault("frontend.signer_url", "http://127.0.0.1:8443")
	v.SetDefault("frontend.signer_token", "")
	v.SetDefault("frontend.sign_timeout", "5s")
	v.SetDefault("frontend.tunnel_key_file", "")
	v.SetDefault("frontend.enabled", []string{"server", "computer"})
	spec := csr.DefaultKeySpec()
	v.SetDefault("frontend.key_spec.algorithm", string(spec.Algorithm))
	v.SetDefault("frontend.key_spec.rsa_bits", spec.RSABits)
	v.SetDefault("frontend.key_spec.curve", spec.Curve)
	v.SetDefault("frontend.min_entropy_bits", 256)
	v.SetDefault("frontend.entropy_wait", "2s")
	v.SetDefault("frontend.kdf_profile", util.KDFProfileModerate)
}

func serverDefaults(v *viper.Viper, prefix, listen string) {
	v.SetDefault(prefix+".listen", listen)
	v.SetDefault(prefix+".tls_cert", "")
	v.SetDefault(prefix+".tls_key", "")
	v.SetDefault(prefix+".trusted_proxies", []string{})
	v.SetDefault(prefix+".read_timeout", "15s")
	v.SetDefault(prefix+".write_timeout", "60s")
	v.SetDefault(prefix+".idle_timeout", "120s")
	v.SetDefault(prefix+".shutdown_timeout", "30s")
}

// New returns a viper instance with every key defaulted and IRONCA_*
// environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if set, over the defaults and environment and
// unmarshals the result. It does not validate.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the ambient sections and each named service section.
func (c *Config) Validate(sections ...string) error {
	toCheck := map[string]any{
		"log":       c.Log,
		"telemetry": c.Telemetry,
		"storage":   c.Storage,
		"alerts":    c.Alerts,
	}
	for _, s := range sections {
		switch s {
		case SectionSigner:
			toCheck[s] = c.Signer
		case SectionTransLog:
			toCheck[s] = c.TransLog
		case SectionFrontend:
			toCheck[s] = c.Frontend
		default:
			return fmt.Errorf("unknown config section %q", s)
		}
	}

	validate := validator.New()
	var errs []error
	for name, data := range toCheck {
		if err := validate.Struct(data); err != nil {
			errs = append(errs, fmt.Errorf("section %s: %w", name, err))
		}
	}
	if slices.Contains(sections, SectionFrontend) {
		if c.Frontend.ServerEnabled() && c.Frontend.TunnelKeyFile == "" {
			errs = append(errs, errors.New("section frontend: tunnel_key_file is required when server bundles are enabled"))
		}
		if err := c.Frontend.KeySpec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("section frontend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Dump renders c as YAML with tokens and credentials replaced.
func (c *Config) Dump() ([]byte, error) {
	out := *c
	out.Signer.Token = redact(out.Signer.Token)
	out.Signer.LogToken = redact(out.Signer.LogToken)
	out.TransLog.Token = redact(out.TransLog.Token)
	out.Frontend.SignerToken = redact(out.Frontend.SignerToken)
	out.Alerts.WebhookAuthHeader = redact(out.Alerts.WebhookAuthHeader)
	out.Storage.PostgresURL = redactURL(out.Storage.PostgresURL)
	return yaml.Marshal(&out)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactURL hides the userinfo of a connection string.
func redactURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://" + redacted + rest[at:]
	}
	return s
}
