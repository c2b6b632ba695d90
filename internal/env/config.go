package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host     string `env:"PJLINK_HOST"`
	Port     int    `env:"PJLINK_PORT,default=4352"`
	Password string `env:"PJLINK_PASSWORD"`

	// KeepAliveMs is the idle period before the session is refreshed.
	// Zero or negative disables the keep-alive supervisor.
	KeepAliveMs int64 `env:"PJLINK_KEEPALIVE_MS,default=25000"`

	// CooldownMs is the minimum gap between commands, floored at 200.
	CooldownMs int64 `env:"PJLINK_COOLDOWN_MS,default=200"`

	// InputRefreshMs is how long the input catalog stays fresh.
	InputRefreshMs int64 `env:"PJLINK_INPUT_REFRESH_MS,default=1800000"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
