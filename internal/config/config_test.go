package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, defaultConfig().Validate())
}

func TestValidateRejectsSocketModeWithoutPort(t *testing.T) {
	c := defaultConfig()
	c.L2Mode = L2ModeSocket
	c.L2Port = 0
	assert.Error(t, c.Validate())
}

func TestValidateAcceptsSocketModeWithPort(t *testing.T) {
	c := defaultConfig()
	c.L2Mode = L2ModeSocket
	c.L2Port = 7700
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsUnknownL2Mode(t *testing.T) {
	c := defaultConfig()
	c.L2Mode = "carrier-pigeon"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownAccessLevel(t *testing.T) {
	c := defaultConfig()
	c.AccessLevel = "superuser"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositivePorts(t *testing.T) {
	c := defaultConfig()
	c.L1In = 0
	assert.Error(t, c.Validate())

	c = defaultConfig()
	c.L1Out = -1
	assert.Error(t, c.Validate())
}

func TestEnvTransformMapsKnownKeys(t *testing.T) {
	cases := map[string]string{
		"BRIDGE_HOST":             "host",
		"BRIDGE_L1_IN":            "l1_in",
		"BRIDGE_L1_OUT":           "l1_out",
		"BRIDGE_L2_MODE":          "l2_mode",
		"BRIDGE_L2_PORT":          "l2_port",
		"BRIDGE_STATE_PATH":       "state_path",
		"BRIDGE_DEBUG":            "debug",
		"BRIDGE_ACCESS_LEVEL":     "access_level",
		"BRIDGE_DIAGNOSTICS_ADDR": "diagnostics_addr",
	}
	for env, want := range cases {
		assert.Equal(t, want, envTransform(env), "envTransform(%q)", env)
	}
}

func TestEnvTransformIgnoresUnknownKeys(t *testing.T) {
	assert.Empty(t, envTransform("BRIDGE_SOME_UNMAPPED_KEY"))
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_HOST", "0.0.0.0")
	t.Setenv("BRIDGE_L1_IN", "9000")
	t.Setenv("BRIDGE_ACCESS_LEVEL", "readonly")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.L1In)
	assert.Equal(t, AccessReadonly, cfg.AccessLevel)
	assert.Equal(t, defaultConfig().L1Out, cfg.L1Out, "unset overrides must keep their default")
}

func TestLoadRejectsInvalidEnvOverride(t *testing.T) {
	t.Setenv("BRIDGE_ACCESS_LEVEL", "not-a-real-level")
	_, err := Load()
	assert.Error(t, err)
}
