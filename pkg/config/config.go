// Package config loads and validates the oracle engine's configuration
// contract: the calibration/breaker/nonce option set named in the
// invocation surface, plus the ambient logging and security sections.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tier selects the exit-code reclassification policy: community tier
// reports a degraded outcome as exit 2, paid tier reclassifies it as a
// fail-closed exit 1.
type Tier string

const (
	TierCommunity Tier = "community"
	TierPaid      Tier = "paid"
)

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig names the secret-store keys holding the redaction salt
// and the HMAC nonce material. The values themselves are never decoded
// from configuration; they are fetched by name from a secrets.Store.
type SecurityConfig struct {
	SaltParameterName string `json:"salt_parameter_name" yaml:"salt_parameter_name" env:"ORACLE_SALT_PARAMETER_NAME"`
	NoncePrefix       string `json:"nonce_prefix" yaml:"nonce_prefix" env:"ORACLE_NONCE_PREFIX"`
}

// Config is the oracle engine's full configuration contract: the
// recognised options from the invocation surface plus the ambient
// logging/security sections.
type Config struct {
	Tier Tier `json:"tier" yaml:"tier" env:"ORACLE_TIER"`

	// KAnonymityFloor is the minimum number of distinct consenting
	// contributors required before a calibration round yields a
	// consensusFpRate; below it, confidence.category is "insufficient".
	KAnonymityFloor int `json:"k_anonymity_floor" yaml:"k_anonymity_floor" env:"ORACLE_K_ANONYMITY_FLOOR"`

	// CriticalFPR is the observed false-positive rate above which a rule
	// is treated as critically noisy by the calibration aggregator.
	CriticalFPR float64 `json:"critical_fpr" yaml:"critical_fpr" env:"ORACLE_CRITICAL_FPR"`

	// NonceTTLSeconds is how long a loaded nonce secret stays usable as a
	// cached fallback when a reload from the secret store fails.
	NonceTTLSeconds int `json:"nonce_ttl_seconds" yaml:"nonce_ttl_seconds" env:"ORACLE_NONCE_TTL_SECONDS"`
	// NonceGraceWindowSeconds is how long a nonce stays valid-but-deprecated
	// (Grace) after a successor version is rotated in, before being
	// Evicted. Must be >= NonceTTLSeconds.
	NonceGraceWindowSeconds int `json:"nonce_grace_window_seconds" yaml:"nonce_grace_window_seconds" env:"ORACLE_NONCE_GRACE_WINDOW_SECONDS"`

	// CircuitBreakerThreshold is the block count within the trailing
	// window that trips a rule's circuit breaker.
	CircuitBreakerThreshold int `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold" env:"ORACLE_CIRCUIT_BREAKER_THRESHOLD"`
	// CircuitBreakerWindowHours is the trailing window width, in hours.
	CircuitBreakerWindowHours int `json:"circuit_breaker_window_hours" yaml:"circuit_breaker_window_hours" env:"ORACLE_CIRCUIT_BREAKER_WINDOW_HOURS"`
	// CircuitBreakerCooldownHours is how long a tripped breaker stays
	// tripped before a half-open retest is attempted.
	CircuitBreakerCooldownHours int `json:"circuit_breaker_cooldown_hours" yaml:"circuit_breaker_cooldown_hours" env:"ORACLE_CIRCUIT_BREAKER_COOLDOWN_HOURS"`

	// ByzantineZThreshold is the z-score magnitude above which a
	// contribution is discarded as an outlier during calibration.
	ByzantineZThreshold float64 `json:"byzantine_z_threshold" yaml:"byzantine_z_threshold" env:"ORACLE_BYZANTINE_Z_THRESHOLD"`
	// ByzantinePercentile is the reputation percentile floor a
	// contributor must clear to participate in a calibration round.
	ByzantinePercentile float64 `json:"byzantine_percentile" yaml:"byzantine_percentile" env:"ORACLE_BYZANTINE_PERCENTILE"`
	// MinContributorsForFiltering is the minimum contributor count before
	// Byzantine filtering is applied at all (below it, filtering is
	// skipped rather than discarding a already-sparse sample).
	MinContributorsForFiltering int `json:"min_contributors_for_filtering" yaml:"min_contributors_for_filtering" env:"ORACLE_MIN_CONTRIBUTORS_FOR_FILTERING"`
	// MinStakeForParticipation is the minimum stake (whole USD) a
	// contributor must hold to be counted in a calibration round at all.
	MinStakeForParticipation int64 `json:"min_stake_for_participation" yaml:"min_stake_for_participation" env:"ORACLE_MIN_STAKE_FOR_PARTICIPATION"`

	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Security SecurityConfig `json:"security" yaml:"security"`
}

// defaults returns a Config populated with the engine's baked-in defaults,
// prior to file/env overrides.
func defaults() *Config {
	return &Config{
		Tier:                         TierCommunity,
		KAnonymityFloor:              5,
		CriticalFPR:                  0.3,
		NonceTTLSeconds:              86400,
		NonceGraceWindowSeconds:      86400 * 3,
		CircuitBreakerThreshold:      10,
		CircuitBreakerWindowHours:    24,
		CircuitBreakerCooldownHours:  6,
		ByzantineZThreshold:          3.0,
		ByzantinePercentile:          0.2,
		MinContributorsForFiltering: 5,
		MinStakeForParticipation:    0,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "oracle-engine",
		},
		Security: SecurityConfig{
			SaltParameterName: "oracle/anonymiser-salt",
			NoncePrefix:       "oracle/nonce",
		},
	}
}

// New returns a Config populated with defaults and validated. It never
// fails since the defaults satisfy every invariant.
func New() *Config {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: defaults failed validation: %v", err))
	}
	return cfg
}

// Validate enforces the config-construction invariants, most notably
// that the nonce grace window is never shorter than its TTL — a nonce
// that exits Grace before Active would violate the redaction
// verify-while-Active-or-Grace guarantee.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if c.NonceGraceWindowSeconds < c.NonceTTLSeconds {
		return fmt.Errorf("config: nonce_grace_window_seconds (%d) must be >= nonce_ttl_seconds (%d)",
			c.NonceGraceWindowSeconds, c.NonceTTLSeconds)
	}
	if c.KAnonymityFloor < 1 {
		return fmt.Errorf("config: k_anonymity_floor must be >= 1, got %d", c.KAnonymityFloor)
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: circuit_breaker_threshold must be >= 1, got %d", c.CircuitBreakerThreshold)
	}
	if c.CircuitBreakerWindowHours < 1 {
		return fmt.Errorf("config: circuit_breaker_window_hours must be >= 1, got %d", c.CircuitBreakerWindowHours)
	}
	if c.Tier != TierCommunity && c.Tier != TierPaid {
		return fmt.Errorf("config: tier must be %q or %q, got %q", TierCommunity, TierPaid, c.Tier)
	}
	return nil
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, or
// configs/config.yaml if unset) and then applies environment overrides,
// validating the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, falling back to defaults
// for anything the file doesn't set, then validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
