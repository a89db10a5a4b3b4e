package helpers

import (
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs"
	"github.com/caarlos0/env/v11"
	"github.com/karrick/tparse/v2"
	"github.com/pkg/errors"
)

var (
	// config Saves the bot-config
	config      *gabs.Container
	configMutex sync.RWMutex
)

// secrets can be supplied through the environment instead of the config file
type secrets struct {
	DiscordToken    string `env:"REFERRALS_DISCORD_TOKEN"`
	SentryDSN       string `env:"REFERRALS_SENTRY_DSN"`
	RedisPassword   string `env:"REFERRALS_REDIS_PASSWORD"`
	PostgresDSN     string `env:"REFERRALS_POSTGRES_DSN"`
	MongoURL        string `env:"REFERRALS_MONGODB_URL"`
	S3AccessKey     string `env:"REFERRALS_S3_ACCESS_KEY"`
	S3SecretKey     string `env:"REFERRALS_S3_SECRET_KEY"`
	RestAdminSecret string `env:"REFERRALS_REST_SECRET"`
}

func (s secrets) paths() map[string]string {
	return map[string]string{
		"discord.token":     s.DiscordToken,
		"sentry.dsn":        s.SentryDSN,
		"redis.password":    s.RedisPassword,
		"postgres.dsn":      s.PostgresDSN,
		"mongodb.url":       s.MongoURL,
		"s3.access_key":     s.S3AccessKey,
		"s3.secret_key":     s.S3SecretKey,
		"rest.admin_secret": s.RestAdminSecret,
	}
}

// LoadConfig loads the config from $path into $config and applies environment overrides
func LoadConfig(path string) error {
	json, err := gabs.ParseJSONFile(path)
	if err != nil {
		return errors.Wrap(err, "parsing config file failed")
	}

	return SetConfig(json)
}

// SetConfig replaces the current config, used by LoadConfig and tests
func SetConfig(json *gabs.Container) error {
	var overrides secrets
	err := env.Parse(&overrides)
	if err != nil {
		return errors.Wrap(err, "parsing environment failed")
	}
	for path, value := range overrides.paths() {
		if value == "" {
			continue
		}
		_, err = json.SetP(value, path)
		if err != nil {
			return errors.Wrapf(err, "applying environment override for %s failed", path)
		}
	}

	configMutex.Lock()
	config = json
	configMutex.Unlock()
	return nil
}

// GetConfig is a config getter
func GetConfig() *gabs.Container {
	configMutex.RLock()
	defer configMutex.RUnlock()
	if config == nil {
		return gabs.New()
	}
	return config
}

// ConfigString returns the string at path or fallback if it is not set
func ConfigString(path, fallback string) string {
	value, ok := GetConfig().Path(path).Data().(string)
	if !ok || value == "" {
		return fallback
	}
	return value
}

// ConfigInt returns the number at path or fallback if it is not set
func ConfigInt(path string, fallback int) int {
	switch value := GetConfig().Path(path).Data().(type) {
	case float64:
		return int(value)
	case int:
		return value
	}
	return fallback
}

// ConfigBool returns the boolean at path or fallback if it is not set
func ConfigBool(path string, fallback bool) bool {
	value, ok := GetConfig().Path(path).Data().(bool)
	if !ok {
		return fallback
	}
	return value
}

// ConfigDuration parses a duration string (e.g. "60s" or "30d") at path, numbers are read as seconds
func ConfigDuration(path string, fallback time.Duration) time.Duration {
	switch value := GetConfig().Path(path).Data().(type) {
	case string:
		value = strings.TrimSpace(value)
		parsed, err := time.ParseDuration(value)
		if err != nil {
			// day and week units, e.g. "30d"
			parsed, err = tparse.AbsoluteDuration(time.Now().UTC(), value)
		}
		if err == nil && parsed > 0 {
			return parsed
		}
	case float64:
		if value > 0 {
			return time.Duration(value * float64(time.Second))
		}
	}
	return fallback
}

// ConfigStrings returns the string list at path
func ConfigStrings(path string) (values []string) {
	children, err := GetConfig().Path(path).Children()
	if err != nil {
		return nil
	}
	for _, child := range children {
		if value, ok := child.Data().(string); ok && value != "" {
			values = append(values, value)
		}
	}
	return values
}
