package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"tradeguard/internal/common"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Key, Secret        string
	BaseURL            string
	WsURL              string
	Symbols            []string
	DataPath           string
	MetricsPort        int
	AdminPort          int
	RESTTimeout        time.Duration
	RequestsPerSecond  float64
	Ping               time.Duration
	MarketMaxAge       time.Duration
	LedgerSaveInterval time.Duration
	DryRun             bool
	LogLevel           string
	LogFormat          string

	Limits   risk.Limits
	Retry    resilience.RetryConfig
	Breaker  resilience.BreakerConfig
	Breakers map[string]resilience.BreakerConfig // per-name overrides
}

type ConfigFile struct {
	Exchange struct {
		Key               string  `yaml:"key"`
		Secret            string  `yaml:"secret"`
		BaseURL           string  `yaml:"baseURL"`
		WsURL             string  `yaml:"wsURL"`
		RESTTimeout       string  `yaml:"restTimeout"`
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	} `yaml:"exchange"`

	Symbols []string `yaml:"symbols"`

	Risk risk.Limits `yaml:"risk"`

	Retry resilience.RetryConfig `yaml:"retry"`

	Breakers struct {
		Default   resilience.BreakerConfig            `yaml:"default"`
		Overrides map[string]resilience.BreakerConfig `yaml:"overrides"`
	} `yaml:"breakers"`

	System struct {
		DataPath           string `yaml:"dataPath"`
		MetricsPort        int    `yaml:"metricsPort"`
		AdminPort          int    `yaml:"adminPort"`
		PingInterval       string `yaml:"pingInterval"`
		MarketMaxAge       string `yaml:"marketMaxAge"`
		LedgerSaveInterval string `yaml:"ledgerSaveInterval"`
		LogLevel           string `yaml:"logLevel"`
		LogFormat          string `yaml:"logFormat"`
		DryRun             bool   `yaml:"dryRun"`
	} `yaml:"system"`
}

// Load reads an optional .env file, then CONFIG_FILE if set, and lets
// environment variables override either source.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Sections left out of the file keep their defaults
	var config ConfigFile
	config.Risk = risk.DefaultLimits()
	config.Retry = resilience.DefaultRetryConfig()
	config.Breakers.Default = resilience.DefaultBreakerConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrides := make(map[string]resilience.BreakerConfig, len(config.Breakers.Overrides))
	for name, o := range config.Breakers.Overrides {
		overrides[name] = mergeBreaker(o, config.Breakers.Default)
	}

	settings := Settings{
		Key:                getEnvOrDefault(common.EnvExchangeAPIKey, config.Exchange.Key),
		Secret:             getEnvOrDefault(common.EnvExchangeSecret, config.Exchange.Secret),
		BaseURL:            getEnvOrDefault(common.EnvExchangeBaseURL, orDefault(config.Exchange.BaseURL, common.DefaultExchangeBaseURL)),
		WsURL:              getEnvOrDefault(common.EnvMarketWsURL, orDefault(config.Exchange.WsURL, common.DefaultMarketWsURL)),
		Symbols:            getSymbolsFromEnvOrConfig(config.Symbols),
		DataPath:           getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:        getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		AdminPort:          getIntFromEnvOrConfig(common.EnvAdminPort, config.System.AdminPort, common.DefaultAdminPort),
		RESTTimeout:        getDurationOrDefault(common.EnvRESTTimeout, parseDurationOr(config.Exchange.RESTTimeout, 5*time.Second)),
		RequestsPerSecond:  getFloatFromEnvOrConfig(common.EnvRequestsPerSec, config.Exchange.RequestsPerSecond, common.DefaultRequestsPerSec),
		Ping:               getDurationOrDefault(common.EnvPingInterval, parseDurationOr(config.System.PingInterval, 15*time.Second)),
		MarketMaxAge:       getDurationOrDefault(common.EnvMarketMaxAge, parseDurationOr(config.System.MarketMaxAge, time.Minute)),
		LedgerSaveInterval: getDurationOrDefault(common.EnvLedgerSave, parseDurationOr(config.System.LedgerSaveInterval, time.Minute)),
		DryRun:             getBoolOrDefault(common.EnvDryRun, config.System.DryRun),
		LogLevel:           getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogFormat:          getEnvOrDefault(common.EnvLogFormat, orDefault(config.System.LogFormat, common.DefaultLogFormat)),
		Limits:             limitsFromEnv(config.Risk),
		Retry:              retryFromEnv(config.Retry),
		Breaker:            breakerFromEnv(config.Breakers.Default),
		Breakers:           overrides,
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		Key:                os.Getenv(common.EnvExchangeAPIKey),
		Secret:             os.Getenv(common.EnvExchangeSecret),
		BaseURL:            getEnvOrDefault(common.EnvExchangeBaseURL, common.DefaultExchangeBaseURL),
		WsURL:              getEnvOrDefault(common.EnvMarketWsURL, common.DefaultMarketWsURL),
		Symbols:            splitOrDefault(os.Getenv(common.EnvSymbols), []string{common.DefaultSymbol}),
		DataPath:           os.Getenv(common.EnvDataPath), // optional
		MetricsPort:        getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		AdminPort:          getIntOrDefault(common.EnvAdminPort, common.DefaultAdminPort),
		RESTTimeout:        getDurationOrDefault(common.EnvRESTTimeout, 5*time.Second),
		RequestsPerSecond:  getFloatOrDefault(common.EnvRequestsPerSec, common.DefaultRequestsPerSec),
		Ping:               getDurationOrDefault(common.EnvPingInterval, 15*time.Second),
		MarketMaxAge:       getDurationOrDefault(common.EnvMarketMaxAge, time.Minute),
		LedgerSaveInterval: getDurationOrDefault(common.EnvLedgerSave, time.Minute),
		DryRun:             getBoolOrDefault(common.EnvDryRun, false),
		LogLevel:           getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:          getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
		Limits:             limitsFromEnv(risk.DefaultLimits()),
		Retry:              retryFromEnv(resilience.DefaultRetryConfig()),
		Breaker:            breakerFromEnv(resilience.DefaultBreakerConfig()),
		Breakers:           make(map[string]resilience.BreakerConfig),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// BreakerConfig returns the configuration for breaker name, with fallback to the default
func (s *Settings) BreakerConfig(name string) resilience.BreakerConfig {
	if config, exists := s.Breakers[name]; exists {
		return config
	}
	return s.Breaker
}

// mergeBreaker fills zero fields of o from def.
func mergeBreaker(o, def resilience.BreakerConfig) resilience.BreakerConfig {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.RecoveryTimeout == 0 {
		o.RecoveryTimeout = def.RecoveryTimeout
	}
	if o.SuccessThreshold == 0 {
		o.SuccessThreshold = def.SuccessThreshold
	}
	if o.ExpectedKinds == nil {
		o.ExpectedKinds = def.ExpectedKinds
	}
	return o
}

func limitsFromEnv(l risk.Limits) risk.Limits {
	l.MaxDailyLoss = getFloatOrDefault(common.EnvMaxDailyLoss, l.MaxDailyLoss)
	l.MaxPositionSize = getFloatOrDefault(common.EnvMaxPositionSize, l.MaxPositionSize)
	l.MaxLeverage = getFloatOrDefault(common.EnvMaxLeverage, l.MaxLeverage)
	l.MaxDrawdownPercent = getFloatOrDefault(common.EnvMaxDrawdownPercent, l.MaxDrawdownPercent)
	l.MaxTradesPerHour = getIntOrDefault(common.EnvMaxTradesPerHour, l.MaxTradesPerHour)
	l.MaxTradesPerDay = getIntOrDefault(common.EnvMaxTradesPerDay, l.MaxTradesPerDay)
	l.MinAccountBalance = getFloatOrDefault(common.EnvMinAccountBalance, l.MinAccountBalance)
	l.MaxRiskPerTradePercent = getFloatOrDefault(common.EnvMaxRiskPerTradePercent, l.MaxRiskPerTradePercent)
	l.StopLossRequired = getBoolOrDefault(common.EnvStopLossRequired, l.StopLossRequired)
	l.MaxOpenPositions = getIntOrDefault(common.EnvMaxOpenPositions, l.MaxOpenPositions)
	if v := os.Getenv(common.EnvBlacklistedSymbols); v != "" {
		l.BlacklistedSymbols = splitOrDefault(v, nil)
	}
	if v := os.Getenv(common.EnvApprovalLevel); v != "" {
		if level, err := risk.ParseRiskLevel(v); err == nil {
			l.ApprovalLevel = level
		} else {
			log.Warn().Err(err).Msg("ignoring invalid approval level")
		}
	}
	return l
}

func retryFromEnv(r resilience.RetryConfig) resilience.RetryConfig {
	r.MaxAttempts = getIntOrDefault(common.EnvRetryMaxAttempts, r.MaxAttempts)
	r.BaseDelay = getDurationOrDefault(common.EnvRetryBaseDelay, r.BaseDelay)
	r.MaxDelay = getDurationOrDefault(common.EnvRetryMaxDelay, r.MaxDelay)
	r.PerAttemptTimeout = getDurationOrDefault(common.EnvRetryAttemptTimeout, r.PerAttemptTimeout)
	if v := os.Getenv(common.EnvRetryStrategy); v != "" {
		if s, err := resilience.ParseStrategy(v); err == nil {
			r.Strategy = s
		} else {
			log.Warn().Err(err).Msg("ignoring invalid retry strategy")
		}
	}
	return r
}

func breakerFromEnv(b resilience.BreakerConfig) resilience.BreakerConfig {
	b.FailureThreshold = getIntOrDefault(common.EnvBreakerFailures, b.FailureThreshold)
	b.RecoveryTimeout = getDurationOrDefault(common.EnvBreakerRecovery, b.RecoveryTimeout)
	b.SuccessThreshold = getIntOrDefault(common.EnvBreakerSuccesses, b.SuccessThreshold)
	return b
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func orDefault(v, defaultValue string) string {
	if v != "" {
		return v
	}
	return defaultValue
}

func parseDurationOr(v string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv(common.EnvSymbols); env != "" {
		return splitOrDefault(env, nil)
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{common.DefaultSymbol}
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getIntOrDefault(key, defaultValue)
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getFloatOrDefault(key, defaultValue)
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Credentials are only needed when orders really go out
	if !settings.DryRun && (settings.Key == "" || settings.Secret == "") {
		return errors.New(common.ErrMsgAPIKeyRequired)
	}

	if len(settings.Symbols) == 0 {
		return errors.New(common.ErrMsgSymbolRequired)
	}

	// Validate URLs
	if settings.BaseURL == "" {
		return errors.New(common.ErrMsgBaseURLRequired)
	}
	if settings.WsURL == "" {
		return errors.New(common.ErrMsgWsURLRequired)
	}

	// Validate time durations
	if settings.Ping < time.Second || settings.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.MarketMaxAge < time.Second || settings.MarketMaxAge > time.Hour {
		return fmt.Errorf("market data max age must be between 1s and 1h, got %v", settings.MarketMaxAge)
	}
	if settings.LedgerSaveInterval < time.Second || settings.LedgerSaveInterval > time.Hour {
		return fmt.Errorf("ledger save interval must be between 1s and 1h, got %v", settings.LedgerSaveInterval)
	}

	// Validate ports
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.AdminPort < common.MinPort || settings.AdminPort > common.MaxPort {
		return fmt.Errorf("admin port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.AdminPort)
	}
	if settings.AdminPort == settings.MetricsPort {
		return fmt.Errorf("admin port and metrics port must differ, both are %d", settings.AdminPort)
	}

	if settings.RequestsPerSecond <= 0 || settings.RequestsPerSecond > 1000 {
		return fmt.Errorf("requests per second must be between 0 and 1000, got %f", settings.RequestsPerSecond)
	}

	if settings.LogFormat != "console" && settings.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json, got %q", settings.LogFormat)
	}

	if err := settings.Limits.Validate(); err != nil {
		return fmt.Errorf("risk limits: %w", err)
	}
	if err := settings.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	// Validate breaker configs
	if err := validateBreaker("default", settings.Breaker); err != nil {
		return err
	}
	for name, config := range settings.Breakers {
		if err := validateBreaker(name, config); err != nil {
			return err
		}
	}

	return nil
}

func validateBreaker(name string, config resilience.BreakerConfig) error {
	if config.FailureThreshold <= 0 || config.FailureThreshold > 1000 {
		return fmt.Errorf("breaker %s: failure threshold must be between 1 and 1000, got %d", name, config.FailureThreshold)
	}
	if config.SuccessThreshold <= 0 || config.SuccessThreshold > 100 {
		return fmt.Errorf("breaker %s: success threshold must be between 1 and 100, got %d", name, config.SuccessThreshold)
	}
	if config.RecoveryTimeout < 100*time.Millisecond || config.RecoveryTimeout > time.Hour {
		return fmt.Errorf("breaker %s: recovery timeout must be between 100ms and 1h, got %v", name, config.RecoveryTimeout)
	}
	return nil
}
