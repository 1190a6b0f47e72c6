package utils

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// AppConfig holds the environment-provided settings. Everything here can
// also be set programmatically through the components' argument structs;
// the env path exists for applications that prefer configuration files.
type AppConfig struct {
	BotToken       string
	GatewayAddress string
	HTTPBaseURL    string
	AppEnv         string
}

// LoadConfiguration reads a .env file if one is present, then resolves
// the required variables. Missing required variables are an error, not a
// default.
func LoadConfiguration() (AppConfig, error) {
	// A missing .env file is fine; the variables may come from the
	// process environment directly.
	_ = godotenv.Load()

	cfg := AppConfig{}
	requiredEnv := map[string]*string{
		"CHORUS_BOT_TOKEN":       &cfg.BotToken,
		"CHORUS_GATEWAY_ADDRESS": &cfg.GatewayAddress,
		"CHORUS_HTTP_BASE_URL":   &cfg.HTTPBaseURL,
	}
	for k, v := range requiredEnv {
		val, ok := os.LookupEnv(k)
		if !ok || val == "" {
			return AppConfig{}, fmt.Errorf("required environment variable %s is not provided", k)
		}
		*v = val
	}
	cfg.AppEnv = os.Getenv("APP_ENV")
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	return cfg, nil
}
