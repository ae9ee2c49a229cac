package pgfast

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var configValidator = validator.New()

// Config is validated connection and pool configuration shared by the
// Engine and the Test-Database Manager. Pool-size bounds are validated
// and the URL is normalized with PostgreSQL-style defaults at
// construction time, so a bad config fails fast with Kind: Configuration
// rather than surfacing as a confusing driver error later.
type Config struct {
	URL            string  `validate:"required"`
	MinConnections int     `validate:"gt=0"`
	MaxConnections int     `validate:"gtefield=MinConnections"`
	Timeout        float64 `validate:"gt=0"`
	CommandTimeout float64 `validate:"gt=0"`
	MigrationsDir  string
	FixturesDir    string
}

// NewConfig validates opts, applying defaults for any zero-valued field,
// and normalizes its database URL.
func NewConfig(opts Config) (*Config, error) {
	cfg := opts
	if cfg.MinConnections == 0 {
		cfg.MinConnections = 5
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 20
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10.0
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 60.0
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "db/migrations"
	}
	if cfg.FixturesDir == "" {
		cfg.FixturesDir = "db/fixtures"
	}

	normalized, err := NormalizeDatabaseURL(cfg.URL)
	if err != nil {
		return nil, newConfigurationError(err.Error())
	}
	cfg.URL = normalized

	if err := configValidator.Struct(&cfg); err != nil {
		return nil, newConfigurationError(err.Error())
	}

	return &cfg, nil
}

// NormalizeDatabaseURL expands shorthand PostgreSQL DSNs ("dbname",
// "host/dbname", "user@host:port/dbname") into a canonical
// "postgresql://user@host:port/dbname" form, applying PostgreSQL's
// conventional defaults (user postgres, host localhost, port 5432,
// database named after the user) for any missing component.
func NormalizeDatabaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("database URL must not be empty")
	}

	withScheme := raw
	if !strings.HasPrefix(raw, "postgresql://") && !strings.HasPrefix(raw, "postgres://") {
		if strings.Contains(raw, "/") {
			withScheme = "postgresql://" + raw
		} else {
			withScheme = "postgresql:///" + raw
		}
	}

	parsed, err := url.Parse(withScheme)
	if err != nil {
		return "", fmt.Errorf("invalid database URL %q: %w", raw, err)
	}
	if parsed.Scheme != "postgresql" && parsed.Scheme != "postgres" {
		return "", fmt.Errorf("invalid database URL scheme: %s", parsed.Scheme)
	}

	username := "postgres"
	var password string
	hasPassword := false
	if parsed.User != nil {
		if u := parsed.User.Username(); u != "" {
			username = u
		}
		if p, ok := parsed.User.Password(); ok {
			password = p
			hasPassword = true
		}
	}

	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "5432"
	}

	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = username
	}

	auth := username
	if hasPassword {
		auth = username + ":" + password
	}

	return fmt.Sprintf("postgresql://%s@%s:%s/%s", auth, host, port, database), nil
}
