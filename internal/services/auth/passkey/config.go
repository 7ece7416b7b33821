package passkey

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment names selecting relying-party defaults.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	Environment   string        `env:"TASKPASS_ENV"                      envDefault:"development"`
	RPDisplayName string        `env:"TASKPASS_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"TaskPass"`
	RPID          string        `env:"TASKPASS_WEBAUTHN_RP_ID"`
	RPOrigins     []string      `env:"TASKPASS_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"TASKPASS_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
}

// LoadConfigFromEnv returns passkey configuration with environment-dependent
// defaults. Development falls back to localhost; production refuses to guess
// the relying-party identity.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse passkey config: %w", err)
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() (Config, error) {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 5 * time.Minute
	}
	if c.Environment == EnvProduction {
		if c.RPID == "" {
			return Config{}, fmt.Errorf("TASKPASS_WEBAUTHN_RP_ID is required in production")
		}
		if len(c.RPOrigins) == 0 {
			return Config{}, fmt.Errorf("TASKPASS_WEBAUTHN_RP_ORIGINS is required in production")
		}
		return c, nil
	}
	if c.RPID == "" {
		c.RPID = "localhost"
	}
	if len(c.RPOrigins) == 0 {
		c.RPOrigins = []string{"http://localhost:8080"}
	}
	return c, nil
}
