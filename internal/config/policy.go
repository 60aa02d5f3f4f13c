package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds engine rules operators may change without a restart.
type Policy struct {
	Precedence     domain.Precedence       `mapstructure:"precedence"`
	DefaultOverage domain.OverageBehaviour `mapstructure:"defaultOverage"`
	// RolloverCap names the reset cap policy: template, absolute or none.
	RolloverCap string `mapstructure:"rolloverCap"`
}

func DefaultPolicy() Policy {
	return Policy{
		Precedence:     domain.PrecedenceAdditionalFirst,
		DefaultOverage: domain.OverageCap,
		RolloverCap:    "template",
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// StaticPolicy returns a holder that never reloads.
func StaticPolicy(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

// NewPolicyHolder reads policy.yml from the usual locations and watches it for changes.
// A missing file yields the defaults.
func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlements/config")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	return loadPolicy(v, log)
}

// LoadPolicyFile reads and watches an explicit policy file.
func LoadPolicyFile(path string, log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return loadPolicy(v, log)
}

func loadPolicy(v *viper.Viper, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("engine.precedence", string(defaults.Precedence))
	v.SetDefault("engine.defaultOverage", string(defaults.DefaultOverage))
	v.SetDefault("engine.rolloverCap", defaults.RolloverCap)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	if err := validatePolicy(cfg); err != nil {
		return nil, err
	}

	holder := StaticPolicy(cfg)
	if !watch {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

// decodePolicy goes through AllSettings so defaults fill keys missing from the file.
func decodePolicy(v *viper.Viper) (Policy, error) {
	var file struct {
		Engine Policy `mapstructure:"engine"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return Policy{}, err
	}
	return file.Engine, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	switch p.Precedence {
	case domain.PrecedenceAdditionalFirst, domain.PrecedenceCreditFirst:
	default:
		return fmt.Errorf("engine.precedence %q is not supported", p.Precedence)
	}
	switch p.DefaultOverage {
	case domain.OverageCap, domain.OverageReject:
	default:
		return fmt.Errorf("engine.defaultOverage %q is not supported", p.DefaultOverage)
	}
	switch p.RolloverCap {
	case "template", "absolute", "none":
	default:
		return fmt.Errorf("engine.rolloverCap %q is not supported", p.RolloverCap)
	}
	return nil
}
