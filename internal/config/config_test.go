package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+t.TempDir()+"/mail.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.HourlyLimit)
	assert.Equal(t, time.Second, cfg.MinSendDelay())
	assert.Equal(t, 10, cfg.WorkerCount)
	assert.Equal(t, "smtp", cfg.Provider())
	assert.Equal(t, 10*time.Minute, cfg.ClaimTimeout)
	assert.Equal(t, "@every 1m", cfg.RecoverySchedule)
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestDatabase_Drivers(t *testing.T) {
	cases := []struct {
		url    string
		driver string
		dsn    string
	}{
		{"postgres://u:p@localhost/db", DriverPostgres, "postgres://u:p@localhost/db"},
		{"postgresql://localhost/db", DriverPostgres, "postgresql://localhost/db"},
		{"sqlite:///tmp/mail.db", DriverSQLite, "/tmp/mail.db"},
		{"file:mail.db?mode=rwc", DriverSQLite, "file:mail.db?mode=rwc"},
	}
	for _, tc := range cases {
		c := Config{DatabaseURL: tc.url}
		driver, dsn, err := c.Database()
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.driver, driver)
		assert.Equal(t, tc.dsn, dsn)
	}

	c := Config{DatabaseURL: "mysql://localhost"}
	_, _, err := c.Database()
	assert.Error(t, err)
}

func TestValidate_Resend(t *testing.T) {
	c := Config{
		DatabaseURL:   "sqlite://x.db",
		HourlyLimit:   1,
		WorkerCount:   1,
		EmailProvider: "Resend",
	}
	require.Error(t, c.Validate())

	c.ResendAPIKey = "re_123"
	require.NoError(t, c.Validate())
}

func TestIsDevelopment(t *testing.T) {
	for env, want := range map[string]bool{
		"development":  true,
		" Dev ":        true,
		"production":   false,
		"":             false,
		"developments": false,
	} {
		c := &Config{AppEnv: env}
		assert.Equal(t, want, c.IsDevelopment(), "APP_ENV=%q", env)
	}
}
