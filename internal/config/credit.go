package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CategoryCap caps how many actions of a category a free-tier tenant may run
// per tenant-local day / billing month. Zero means uncapped.
type CategoryCap struct {
	Category string `mapstructure:"category"`
	Daily    int64  `mapstructure:"daily"`
	Monthly  int64  `mapstructure:"monthly"`
}

// BufferConfig defines the minimum-balance requirement for full-balance
// actions: balance must cover cost plus max(Floor, Percent*cost).
type BufferConfig struct {
	Floor   int64   `mapstructure:"floor"`
	Percent float64 `mapstructure:"percent"`
}

// GraceConfig bounds what a depleted tenant may still do.
type GraceConfig struct {
	Duration           time.Duration `mapstructure:"duration"`
	ActionBudget       int64         `mapstructure:"actionBudget"`
	MaxActionCost      int64         `mapstructure:"maxActionCost"`
	ExcludedCategories []string      `mapstructure:"excludedCategories"`
}

// CreditConfig holds the engine tunables recognized by the credit engine.
type CreditConfig struct {
	StartingBalance           int64         `mapstructure:"startingBalance"`
	FreeTierBlockedCategories []string      `mapstructure:"freeTierBlockedCategories"`
	CategoryCaps              []CategoryCap `mapstructure:"categoryCaps"`
	Buffer                    BufferConfig  `mapstructure:"buffer"`
	Grace                     GraceConfig   `mapstructure:"grace"`
	Thresholds                []int64       `mapstructure:"thresholds"`
	GraceExemptActions        []string      `mapstructure:"graceExemptActions"`
}

func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		StartingBalance:           500,
		FreeTierBlockedCategories: []string{"premium"},
		CategoryCaps: []CategoryCap{
			{Category: "messaging", Daily: 50, Monthly: 1000},
			{Category: "export", Daily: 5, Monthly: 50},
		},
		Buffer: BufferConfig{Floor: 25, Percent: 0.2},
		Grace: GraceConfig{
			Duration:           24 * time.Hour,
			ActionBudget:       10,
			MaxActionCost:      20,
			ExcludedCategories: []string{"export", "premium"},
		},
		Thresholds: []int64{500, 250, 100, 50, 10},
	}
}

// CapFor returns the caps configured for a category, if any.
func (c CreditConfig) CapFor(category string) (CategoryCap, bool) {
	category = strings.ToLower(strings.TrimSpace(category))
	for _, cap := range c.CategoryCaps {
		if strings.ToLower(strings.TrimSpace(cap.Category)) == category {
			return cap, true
		}
	}
	return CategoryCap{}, false
}

// IsBlockedOnFreeTier reports whether the category is blocked for free tenants.
func (c CreditConfig) IsBlockedOnFreeTier(category string) bool {
	return containsFold(c.FreeTierBlockedCategories, category)
}

// IsGraceExcluded reports whether a category is never allowed during grace.
func (c CreditConfig) IsGraceExcluded(category string) bool {
	return containsFold(c.Grace.ExcludedCategories, category)
}

// IsGraceExempt reports whether an action key bypasses the BLOCKED state.
func (c CreditConfig) IsGraceExempt(actionKey string) bool {
	return containsFold(c.GraceExemptActions, actionKey)
}

func containsFold(list []string, value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, item := range list {
		if strings.ToLower(strings.TrimSpace(item)) == value {
			return true
		}
	}
	return false
}

// CreditConfigHolder hot-reloads the engine tunables from credit.yml.
type CreditConfigHolder struct {
	current atomic.Value // holds CreditConfig
}

func NewCreditConfigHolder() (*CreditConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("credit")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/kredit/config") // Volume-mounted config
	v.AddConfigPath("/etc/kredit")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("KREDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCreditConfig()
		v.SetDefault("credit.startingBalance", defaults.StartingBalance)
		v.SetDefault("credit.freeTierBlockedCategories", defaults.FreeTierBlockedCategories)
		v.SetDefault("credit.categoryCaps", defaults.CategoryCaps)
		v.SetDefault("credit.buffer", defaults.Buffer)
		v.SetDefault("credit.grace", defaults.Grace)
		v.SetDefault("credit.thresholds", defaults.Thresholds)
	}

	var cfg CreditConfig
	if err := v.UnmarshalKey("credit", &cfg); err != nil {
		return nil, err
	}
	cfg = normalizeCreditConfig(cfg)
	if err := validateCreditConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CreditConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CreditConfig
		if err := v.UnmarshalKey("credit", &updated); err != nil {
			log.Printf("[credit-config] reload failed: %v", err)
			return
		}
		updated = normalizeCreditConfig(updated)
		if err := validateCreditConfig(updated); err != nil {
			log.Printf("[credit-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[credit-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCreditConfigHolder wraps a fixed config, used by tests.
func NewStaticCreditConfigHolder(cfg CreditConfig) *CreditConfigHolder {
	holder := &CreditConfigHolder{}
	holder.current.Store(normalizeCreditConfig(cfg))
	return holder
}

func (h *CreditConfigHolder) Get() CreditConfig {
	return h.current.Load().(CreditConfig)
}

func normalizeCreditConfig(cfg CreditConfig) CreditConfig {
	// Thresholds are evaluated as an ordered descending list.
	sort.Slice(cfg.Thresholds, func(i, j int) bool { return cfg.Thresholds[i] > cfg.Thresholds[j] })
	return cfg
}

func validateCreditConfig(cfg CreditConfig) error {
	if cfg.StartingBalance < 0 {
		return errors.New("credit.startingBalance cannot be negative")
	}
	if cfg.Grace.Duration <= 0 {
		return errors.New("credit.grace.duration must be positive")
	}
	if cfg.Grace.ActionBudget < 0 {
		return errors.New("credit.grace.actionBudget cannot be negative")
	}
	if cfg.Buffer.Floor < 0 || cfg.Buffer.Percent < 0 {
		return errors.New("credit.buffer values cannot be negative")
	}
	for _, t := range cfg.Thresholds {
		if t < 0 {
			return errors.New("credit.thresholds cannot contain negative values")
		}
	}
	return nil
}
