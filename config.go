package satip

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// TransportMode names how the engine requests the media channel be
// delivered.
type TransportMode string

const (
	TransportUnicast    TransportMode = "unicast"
	TransportMulticast  TransportMode = "multicast"
	TransportRTPOverTCP TransportMode = "rtp-over-tcp"
)

// Config is the typed configuration surface a SAT>IP plugin host would
// hand the engine, decoded from an untyped map the same way a bencode
// dict gets decoded into a typed response struct elsewhere in this package.
type Config struct {
	// Port range / transport.
	PortRangeLow  int           `json:"port_range_low"`
	PortRangeHigh int           `json:"port_range_high"`
	OperatingMode string        `json:"operating_mode"`
	Transport     TransportMode `json:"transport"`

	// Behavior flags.
	CIExtensionEnabled    bool `json:"ci_extension_enabled"`
	DisableServerQuirks   bool `json:"disable_server_quirks"`
	DisconnectIdleStreams bool `json:"disconnect_idle_streams"`
	SingleModelServers    bool `json:"single_model_servers"`
	RTPReceiveBufferSize  int  `json:"rtp_receive_buffer_size"`

	// Source filtering.
	DisabledSources []string `json:"disabled_sources"`
	DisabledFilters []string `json:"disabled_filters"`

	// CI slot assignment ("x_ci"): device id -> slot, sent as x_ci=<slot>
	// whenever it changes (0 included). For a device absent from the map
	// the consumer's GetCISlot is used, and nothing is sent while it is 0.
	CISlotForDevice map[int]int `json:"ci_slot_for_device"`

	// Tuning constants, all milliseconds unless noted.
	KeepAliveMinMs       int64 `json:"keep_alive_min_ms"`
	KeepAlivePreBufferMs int64 `json:"keep_alive_pre_buffer_ms"`
	ConnectWatchdogMs    int64 `json:"connect_watchdog_ms"`
	TuningWatchdogMs     int64 `json:"tuning_watchdog_ms"`
	IdleCheckMs          int64 `json:"idle_check_ms"`
	SleepTimeoutMs       int64 `json:"sleep_timeout_ms"`
	PidUpdateCacheMs     int64 `json:"pid_update_cache_ms"`
	PmtLingerMs          int64 `json:"pmt_linger_ms"`
	SetupTimeoutMs       int64 `json:"setup_timeout_ms"`
	StatusUpdateMs       int64 `json:"status_update_ms"`
	DummyPidSentinel     int   `json:"dummy_pid_sentinel"`

	// Backoff-jittered retune.
	SetRetryBackoffMinMs int64 `json:"set_retry_backoff_min_ms"`
	SetRetryBackoffMaxMs int64 `json:"set_retry_backoff_max_ms"`
}

// defaultConfig picks small, multi-second windows rather than aggressive
// sub-second polling.
func defaultConfig() Config {
	return Config{
		Transport:            TransportUnicast,
		RTPReceiveBufferSize: 1880 * 7,
		KeepAliveMinMs:       5_000,
		KeepAlivePreBufferMs: 5_000,
		ConnectWatchdogMs:    5_000,
		TuningWatchdogMs:     4_000,
		IdleCheckMs:          15_000,
		SleepTimeoutMs:       1_000,
		PidUpdateCacheMs:     500,
		PmtLingerMs:          10_000,
		SetupTimeoutMs:       5_000,
		StatusUpdateMs:       2_000,
		DummyPidSentinel:     8191,
		SetRetryBackoffMinMs: 1_000,
		SetRetryBackoffMaxMs: 30_000,
	}
}

// DecodeConfig decodes raw (an untyped map as a plugin host would supply)
// into a Config, starting from defaultConfig() so absent keys keep their
// defaults rather than zeroing out.
func DecodeConfig(raw map[string]interface{}) (*Config, error) {
	cfg := defaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           &cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("satip: building config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("satip: decoding config: %w", err)
	}

	if cfg.Transport == "" {
		cfg.Transport = TransportUnicast
	}
	if cfg.DummyPidSentinel == 0 {
		cfg.DummyPidSentinel = defaultConfig().DummyPidSentinel
	}
	return &cfg, nil
}
