package satip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeConfigAppliesDefaults(t *testing.T) {
	cfg, err := DecodeConfig(map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, TransportUnicast, cfg.Transport)
	require.Equal(t, int64(5_000), cfg.ConnectWatchdogMs)
	require.Equal(t, 8191, cfg.DummyPidSentinel)
}

func TestDecodeConfigOverridesFromMap(t *testing.T) {
	raw := map[string]interface{}{
		"port_range_low":          40000,
		"port_range_high":         40100,
		"transport":               "multicast",
		"ci_extension_enabled":    true,
		"disabled_sources":        []string{"S19.*"},
		"disconnect_idle_streams": true,
	}
	cfg, err := DecodeConfig(raw)
	require.NoError(t, err)
	require.Equal(t, 40000, cfg.PortRangeLow)
	require.Equal(t, 40100, cfg.PortRangeHigh)
	require.Equal(t, TransportMulticast, cfg.Transport)
	require.True(t, cfg.CIExtensionEnabled)
	require.True(t, cfg.DisconnectIdleStreams)
	require.Equal(t, []string{"S19.*"}, cfg.DisabledSources)

	// Untouched tuning constants keep their defaults.
	require.Equal(t, int64(10_000), cfg.PmtLingerMs)
}

func TestDecodeConfigCISlotMap(t *testing.T) {
	raw := map[string]interface{}{
		"ci_slot_for_device": map[string]interface{}{"1": 2},
	}
	cfg, err := DecodeConfig(raw)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.CISlotForDevice[1])
}
