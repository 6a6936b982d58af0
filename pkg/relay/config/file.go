package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/estimate"
)

type RateLimitDefaults struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// Defaults are the values environment variables fall back to. They can be
// overlaid from a YAML file named by VAI_RELAY_CONFIG_FILE; the environment
// still wins over the file.
type Defaults struct {
	Budget            budget.Limits     `yaml:"budget"`
	RateLimit         RateLimitDefaults `yaml:"rate_limit"`
	DuplicateWindow   time.Duration     `yaml:"duplicate_window"`
	SystemInstruction string            `yaml:"system_instruction"`
}

func BuiltinDefaults() Defaults {
	return Defaults{
		Budget: budget.Limits{
			DailyTokenLimit:       10000,
			PerRequestTokenLimit:  500,
			MaxMessagesPerSession: 100,
			Pricing: estimate.Pricing{
				InputPerMTok:  0.50,
				OutputPerMTok: 2.00,
			},
		},
		RateLimit: RateLimitDefaults{
			Window:      time.Minute,
			MaxRequests: 600,
		},
		DuplicateWindow: 5 * time.Second,
	}
}

// LoadFile overlays the keys present in the YAML file at path onto into.
func LoadFile(path string, into *Defaults) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}
