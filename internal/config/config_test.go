package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milo/internal/agent/ports"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434/v1", cfg.Endpoint)
	assert.Equal(t, ports.ModeBuild, cfg.Mode)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileValuesOverrideDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: http://models.internal:8000/v1/
model: deepseek-coder
mode: plan
max_tokens: 8192
dual_model_enabled: true
planner_model: deepseek-r1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://models.internal:8000/v1", cfg.Endpoint, "trailing slash trimmed")
	assert.Equal(t, "deepseek-coder", cfg.Model)
	assert.Equal(t, ports.ModePlan, cfg.Mode)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.True(t, cfg.DualModelEnabled)
	assert.Equal(t, "deepseek-r1", cfg.PlannerModel)
	assert.Equal(t, "deepseek-coder", cfg.CoderModel, "coder model defaults to the main model")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: from-file\n"), 0o600))

	t.Setenv("MILO_MODEL", "from-env")
	t.Setenv("MILO_MAX_TOKENS", "2048")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, 2048, cfg.MaxTokens)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Model = "round-trip-model"
	cfg.ServerPort = 9999
	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip-model", reloaded.Model)
	assert.Equal(t, 9999, reloaded.ServerPort)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(*Config)
		wantErr string
	}{
		"default ok":       {func(c *Config) {}, ""},
		"missing endpoint": {func(c *Config) { c.Endpoint = " " }, "endpoint"},
		"missing model":    {func(c *Config) { c.Model = "" }, "model"},
		"bad mode":         {func(c *Config) { c.Mode = "review" }, "mode"},
		"bad port":         {func(c *Config) { c.ServerPort = 0 }, "server_port"},
		"dual needs planner": {func(c *Config) {
			c.DualModelEnabled = true
			c.PlannerModel = ""
		}, "planner_model"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSettingsConversion(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "http://e/v1"
	cfg.Model = "m"
	cfg.DualModelEnabled = true
	cfg.PlannerModel = "p"
	cfg.CoderModel = "c"

	settings := cfg.Settings()
	assert.Equal(t, "http://e/v1", settings.EndpointURL)
	assert.Equal(t, "m", settings.ModelName)
	assert.True(t, settings.DualModelEnabled)
	assert.Equal(t, "p", settings.PlannerModelName)
	assert.Equal(t, "c", settings.CoderModelName)
}
