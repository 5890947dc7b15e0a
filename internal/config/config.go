package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/shizukutanaka/Komainu/internal/errors"
	"github.com/shizukutanaka/Komainu/internal/logging"
)

// Config is the full service configuration
type Config struct {
	Logging   logging.LogConfig `mapstructure:"logging"`
	API       APIConfig         `mapstructure:"api"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Admission AdmissionConfig   `mapstructure:"admission"`
	Risk      RiskConfig        `mapstructure:"risk"`
	Audit     AuditConfig       `mapstructure:"audit"`
	Cache     CacheConfig       `mapstructure:"cache"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListenAddr   string   `mapstructure:"listen_addr"`
	EnableTLS    bool     `mapstructure:"enable_tls"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	AllowOrigins []string `mapstructure:"allow_origins"`

	// Coarse token-bucket limiter in front of the admission pipeline
	GlobalRateLimit int `mapstructure:"global_rate_limit"`
	GlobalBurst     int `mapstructure:"global_burst"`

	// Admin authentication
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassHash string        `mapstructure:"admin_pass_hash"` // hex SHA-256
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
}

// StorageConfig configures the durable mirror
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LimiterClassConfig is one sliding-window profile
type LimiterClassConfig struct {
	Window              time.Duration `mapstructure:"window"`
	MaxRequests         int           `mapstructure:"max_requests"`
	BlockDuration       time.Duration `mapstructure:"block_duration"`
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
}

// AdmissionConfig configures the limiter and block registry
type AdmissionConfig struct {
	Classes      map[string]LimiterClassConfig `mapstructure:"classes"`
	DefaultClass string                        `mapstructure:"default_class"`

	// Block applied once an identity crosses its escalation threshold.
	// Registered registry-wide so every limiter class rejects it.
	EscalationBlockDuration time.Duration `mapstructure:"escalation_block_duration"`

	// Idle-entry sweep
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleExpiry    time.Duration `mapstructure:"idle_expiry"`

	// Gateway policy
	AutoBlockOnCriticalRisk bool          `mapstructure:"auto_block_on_critical_risk"`
	RiskBlockDuration       time.Duration `mapstructure:"risk_block_duration"`
	FailClosed              bool          `mapstructure:"fail_closed"`
}

// RiskConfig configures transaction risk scoring
type RiskConfig struct {
	LargeTransactionThreshold float64       `mapstructure:"large_transaction_threshold"`
	VelocityWindow            time.Duration `mapstructure:"velocity_window"`
	VelocityThreshold         int           `mapstructure:"velocity_threshold"`
}

// AuditConfig configures the audit trail
type AuditConfig struct {
	MaxEntries           int           `mapstructure:"max_entries"`
	AnomalyWindow        time.Duration `mapstructure:"anomaly_window"`
	FailedLoginThreshold int           `mapstructure:"failed_login_threshold"`
}

// CacheConfig configures the role-scoped cache
type CacheConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration from the given file with KOMAINU_ env overrides
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KOMAINU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Logging
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	// API
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.enable_tls", false)
	v.SetDefault("api.global_rate_limit", 1000)
	v.SetDefault("api.global_burst", 2000)
	v.SetDefault("api.admin_user", "admin")
	v.SetDefault("api.token_expiry", "1h")

	// Storage
	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.dsn", "./data/komainu.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")

	// Admission limiter classes
	v.SetDefault("admission.default_class", "general")
	v.SetDefault("admission.classes.general.window", "1m")
	v.SetDefault("admission.classes.general.max_requests", 60)
	v.SetDefault("admission.classes.general.block_duration", "5m")
	v.SetDefault("admission.classes.general.escalation_threshold", 5)
	v.SetDefault("admission.classes.auth.window", "5m")
	v.SetDefault("admission.classes.auth.max_requests", 10)
	v.SetDefault("admission.classes.auth.block_duration", "15m")
	v.SetDefault("admission.classes.auth.escalation_threshold", 3)
	v.SetDefault("admission.classes.admin.window", "1m")
	v.SetDefault("admission.classes.admin.max_requests", 20)
	v.SetDefault("admission.classes.admin.block_duration", "10m")
	v.SetDefault("admission.classes.admin.escalation_threshold", 3)
	v.SetDefault("admission.classes.payment.window", "1m")
	v.SetDefault("admission.classes.payment.max_requests", 10)
	v.SetDefault("admission.classes.payment.block_duration", "30m")
	v.SetDefault("admission.classes.payment.escalation_threshold", 3)
	v.SetDefault("admission.escalation_block_duration", "24h")
	v.SetDefault("admission.sweep_interval", "5m")
	v.SetDefault("admission.idle_expiry", "30m")
	v.SetDefault("admission.auto_block_on_critical_risk", true)
	v.SetDefault("admission.risk_block_duration", "1h")
	v.SetDefault("admission.fail_closed", false)

	// Risk scoring
	v.SetDefault("risk.large_transaction_threshold", 10000)
	v.SetDefault("risk.velocity_window", "10m")
	v.SetDefault("risk.velocity_threshold", 5)

	// Audit trail
	v.SetDefault("audit.max_entries", 10000)
	v.SetDefault("audit.anomaly_window", "5m")
	v.SetDefault("audit.failed_login_threshold", 5)

	// Scoped cache
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.sweep_interval", "5m")
}

// Validate checks configuration values. Invalid limiter profiles are a
// setup-time failure and are never evaluated per-request.
func Validate(cfg *Config) error {
	if len(cfg.Admission.Classes) == 0 {
		return apperrors.NewConfiguration("at least one limiter class must be configured")
	}

	if _, ok := cfg.Admission.Classes[cfg.Admission.DefaultClass]; !ok {
		return apperrors.NewConfiguration(
			fmt.Sprintf("default limiter class %q is not configured", cfg.Admission.DefaultClass))
	}

	for name, class := range cfg.Admission.Classes {
		if class.Window <= 0 {
			return apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q: window must be positive", name))
		}
		if class.MaxRequests <= 0 {
			return apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q: max_requests must be positive", name))
		}
		if class.BlockDuration <= 0 {
			return apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q: block_duration must be positive", name))
		}
		if class.EscalationThreshold < 1 {
			return apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q: escalation_threshold must be at least 1", name))
		}
	}

	if cfg.Admission.EscalationBlockDuration <= 0 {
		return apperrors.NewConfiguration("escalation_block_duration must be positive")
	}

	if cfg.Risk.VelocityWindow <= 0 {
		return apperrors.NewConfiguration("risk velocity_window must be positive")
	}
	if cfg.Risk.VelocityThreshold < 1 {
		return apperrors.NewConfiguration("risk velocity_threshold must be at least 1")
	}
	if cfg.Risk.LargeTransactionThreshold < 0 {
		return apperrors.NewConfiguration("large_transaction_threshold cannot be negative")
	}

	if cfg.Audit.MaxEntries < 1 {
		return apperrors.NewConfiguration("audit max_entries must be at least 1")
	}
	if cfg.Audit.AnomalyWindow <= 0 {
		return apperrors.NewConfiguration("audit anomaly_window must be positive")
	}

	if cfg.Cache.Capacity < 1 {
		return apperrors.NewConfiguration("cache capacity must be at least 1")
	}

	if cfg.API.Enabled {
		if cfg.API.ListenAddr == "" {
			return apperrors.NewConfiguration("api.listen_addr is required when API is enabled")
		}
		if cfg.API.EnableTLS && (cfg.API.CertFile == "" || cfg.API.KeyFile == "") {
			return apperrors.NewConfiguration("cert_file and key_file are required when TLS is enabled")
		}
	}

	return nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return &cfg
}
