package satip

import "github.com/prometheus/client_golang/prometheus"

// TunerMetrics wraps the Prometheus vectors exported per tuner device id.
// NewTunerMetrics registers once. The engine records reception and retune
// updates while holding its mutex and keep-alive failures after releasing
// it; the Prometheus vectors are safe for concurrent use, so no separate
// lock is introduced for metrics.
type TunerMetrics struct {
	SignalStrength *prometheus.GaugeVec
	SignalQuality  *prometheus.GaugeVec
	Locked         *prometheus.GaugeVec
	State          *prometheus.GaugeVec
	Retunes        *prometheus.CounterVec
	KeepAliveFails *prometheus.CounterVec
}

// NewTunerMetrics builds and registers the tuner metric vectors against
// reg. Passing nil uses prometheus.NewRegistry().
func NewTunerMetrics(reg *prometheus.Registry) *TunerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &TunerMetrics{
		SignalStrength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "satip",
			Name:      "signal_strength_percent",
			Help:      "Current demodulator signal strength, 0-100.",
		}, []string{"device_id"}),
		SignalQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "satip",
			Name:      "signal_quality_percent",
			Help:      "Current demodulator signal quality, 0-100.",
		}, []string{"device_id"}),
		Locked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "satip",
			Name:      "locked",
			Help:      "1 if the tuner is locked onto a carrier, else 0.",
		}, []string{"device_id"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "satip",
			Name:      "state",
			Help:      "Current tuner state machine state, as its ordinal.",
		}, []string{"device_id"}),
		Retunes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satip",
			Name:      "retunes_total",
			Help:      "Number of failed Connect attempts in the Set state.",
		}, []string{"device_id"}),
		KeepAliveFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satip",
			Name:      "keepalive_failures_total",
			Help:      "Number of failed RTSP keep-alive attempts.",
		}, []string{"device_id"}),
	}
	reg.MustRegister(m.SignalStrength, m.SignalQuality, m.Locked, m.State, m.Retunes, m.KeepAliveFails)
	return m
}

func (m *TunerMetrics) observe(deviceID string, status ReceptionStatus, state TunerState) {
	if m == nil {
		return
	}
	m.SignalStrength.WithLabelValues(deviceID).Set(float64(status.SignalStrength))
	m.SignalQuality.WithLabelValues(deviceID).Set(float64(status.SignalQuality))
	lock := 0.0
	if status.HasLock {
		lock = 1.0
	}
	m.Locked.WithLabelValues(deviceID).Set(lock)
	m.State.WithLabelValues(deviceID).Set(float64(state))
}

func (m *TunerMetrics) recordRetune(deviceID string) {
	if m == nil {
		return
	}
	m.Retunes.WithLabelValues(deviceID).Inc()
}

func (m *TunerMetrics) recordKeepAliveFailure(deviceID string) {
	if m == nil {
		return
	}
	m.KeepAliveFails.WithLabelValues(deviceID).Inc()
}
