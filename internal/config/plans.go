package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanEntry is the file representation of one plan tier.
type PlanEntry struct {
	ID                string   `mapstructure:"id"`
	Name              string   `mapstructure:"name"`
	Credits           int64    `mapstructure:"credits"`
	Renewal           string   `mapstructure:"renewal"`
	Modes             []string `mapstructure:"modes"`
	MonthlyPriceCents int64    `mapstructure:"monthlyPriceCents"`
	YearlyPriceCents  int64    `mapstructure:"yearlyPriceCents"`
	StripePriceIDs    []string `mapstructure:"stripePriceIds"`
}

// PlanConfig is the plan catalog as loaded from plans.yml.
type PlanConfig struct {
	Plans []PlanEntry      `mapstructure:"plans"`
	Costs map[string]int64 `mapstructure:"costs"`
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Plans: []PlanEntry{
			{
				ID:      "free",
				Name:    "Free",
				Credits: 10,
				Renewal: "daily",
				Modes:   []string{"fast"},
			},
			{
				ID:                "basic",
				Name:              "Basic",
				Credits:           200,
				Renewal:           "monthly",
				Modes:             []string{"fast", "deep"},
				MonthlyPriceCents: 499,
				YearlyPriceCents:  3999,
				StripePriceIDs:    []string{"price_1SmCAUAh61tDVg3ixpUAU2Ng", "price_1SmCCpAh61tDVg3ipgefRMXx"},
			},
			{
				ID:                "pro",
				Name:              "Pro",
				Credits:           600,
				Renewal:           "monthly",
				Modes:             []string{"fast", "deep"},
				MonthlyPriceCents: 1299,
				YearlyPriceCents:  9999,
				StripePriceIDs:    []string{"price_1SmCCHAh61tDVg3itk8UMIFS", "price_1SmCD6Ah61tDVg3ipH9QYrp0"},
			},
		},
		Costs: map[string]int64{
			"fast": 1,
			"deep": 3,
		},
	}
}

type PlanConfigHolder struct {
	current atomic.Value // holds PlanConfig
}

// NewStaticPlanConfigHolder wraps a fixed catalog without file watching.
func NewStaticPlanConfigHolder(cfg PlanConfig) (*PlanConfigHolder, error) {
	if err := ValidatePlanConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PlanConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewPlanConfigHolder(appCfg Config) (*PlanConfigHolder, error) {
	v := viper.New()

	if appCfg.PlansConfigPath != "" {
		v.SetConfigFile(appCfg.PlansConfigPath)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/trustscan")
		v.AddConfigPath(".")
	}

	defaults := DefaultPlanConfig()
	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	cfg := defaults
	if found {
		var loaded PlanConfig
		if err := v.Unmarshal(&loaded); err != nil {
			return nil, err
		}
		cfg = mergePlanDefaults(loaded, defaults)
	}
	if err := ValidatePlanConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PlanConfigHolder{}
	holder.current.Store(cfg)

	if found {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated PlanConfig
			if err := v.Unmarshal(&updated); err != nil {
				zap.L().Warn("plan config reload failed", zap.Error(err))
				return
			}
			updated = mergePlanDefaults(updated, defaults)
			if err := ValidatePlanConfig(updated); err != nil {
				zap.L().Warn("invalid plan config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			zap.L().Info("plan config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *PlanConfigHolder) Get() PlanConfig {
	return h.current.Load().(PlanConfig)
}

func mergePlanDefaults(cfg, defaults PlanConfig) PlanConfig {
	if len(cfg.Plans) == 0 {
		cfg.Plans = defaults.Plans
	}
	if len(cfg.Costs) == 0 {
		cfg.Costs = defaults.Costs
	}
	return cfg
}

func ValidatePlanConfig(cfg PlanConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	hasFree := false
	for _, p := range cfg.Plans {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if id == "" {
			return errors.New("plan id is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate plan %q", id)
		}
		seen[id] = struct{}{}
		if p.Credits < 0 {
			return fmt.Errorf("plan %q has negative credits", id)
		}
		switch strings.ToLower(strings.TrimSpace(p.Renewal)) {
		case "daily", "monthly", "yearly":
		default:
			return fmt.Errorf("plan %q has unsupported renewal %q", id, p.Renewal)
		}
		if len(p.Modes) == 0 {
			return fmt.Errorf("plan %q allows no modes", id)
		}
		if id == "free" {
			hasFree = true
			for _, m := range p.Modes {
				if strings.EqualFold(strings.TrimSpace(m), "deep") {
					return errors.New("free plan cannot allow deep mode")
				}
			}
		}
	}
	if !hasFree {
		return errors.New("free plan is required")
	}
	for _, mode := range []string{"fast", "deep"} {
		cost, ok := cfg.Costs[mode]
		if !ok || cost <= 0 {
			return fmt.Errorf("cost for mode %q must be positive", mode)
		}
	}
	return nil
}
