package satip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRTSPConn is a minimal, deterministic RTSPConn double for engine tests.
type fakeRTSPConn struct {
	setupErr    error
	playErr     error
	teardownErr error
	optionsErr  error
	describeErr error
	session     string
	streamID    int
	playCalls   []string
	setupCalls  []string
}

func (f *fakeRTSPConn) Options(ctx context.Context, url string) error { return f.optionsErr }
func (f *fakeRTSPConn) Setup(ctx context.Context, url string, transport string) error {
	f.setupCalls = append(f.setupCalls, url)
	if f.setupErr == nil && f.streamID == 0 {
		f.streamID = len(f.setupCalls)
	}
	return f.setupErr
}

func (f *fakeRTSPConn) StreamID() int {
	if f.streamID == 0 {
		return -1
	}
	return f.streamID
}
func (f *fakeRTSPConn) Play(ctx context.Context, url string) error {
	f.playCalls = append(f.playCalls, url)
	return f.playErr
}
func (f *fakeRTSPConn) Describe(ctx context.Context, url string) (string, error) {
	return "", f.describeErr
}
func (f *fakeRTSPConn) Teardown(ctx context.Context, url string) error { return f.teardownErr }
func (f *fakeRTSPConn) Receive(ctx context.Context) ([]byte, error)    { return nil, nil }
func (f *fakeRTSPConn) SetInterface(localAddr string) error            { return nil }
func (f *fakeRTSPConn) SetSession(sessionID string)                    { f.session = sessionID }
func (f *fakeRTSPConn) Session() string                                { return f.session }
func (f *fakeRTSPConn) Destroy() error                                 { return nil }
func (f *fakeRTSPConn) Reset() error                                   { return nil }
func (f *fakeRTSPConn) ActiveMode() bool                               { return true }
func (f *fakeRTSPConn) RtspUnescape(s string) string                   { return s }

type fakeConsumer struct {
	idle   bool
	pmtPid int
	ciSlot int
}

func (c *fakeConsumer) WriteData(data []byte)         {}
func (c *fakeConsumer) IsIdle() bool                  { return c.idle }
func (c *fakeConsumer) SetChannelTuned()              {}
func (c *fakeConsumer) GetPmtPid() int                { return c.pmtPid }
func (c *fakeConsumer) GetCISlot() int                { return c.ciSlot }
func (c *fakeConsumer) GetTnrParameterString() string { return "" }

func testConfig() *Config {
	cfg := defaultConfig()
	cfg.PidUpdateCacheMs = 0
	cfg.SetRetryBackoffMinMs = 1
	cfg.SetRetryBackoffMaxMs = 2
	return &cfg
}

func newTestEngine(t *testing.T, rtsp RTSPConn) *Engine {
	t.Helper()
	return newTestEngineWithConsumer(t, rtsp, &fakeConsumer{})
}

func newTestEngineWithConsumer(t *testing.T, rtsp RTSPConn, consumer Consumer) *Engine {
	t.Helper()
	cfg := testConfig()
	reg := NewServerRegistry()
	e, err := NewEngine(1, cfg, reg, rtsp, nil, consumer)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.rtpConn.Close()
		e.rtcpConn.Close()
	})
	return e
}

func TestDeriveBaseURLOmitsDefaultPort(t *testing.T) {
	s, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "box", false, time.Now())
	require.Equal(t, "rtsp://10.0.0.1/", deriveBaseURL(s))
}

func TestDeriveBaseURLIncludesNonDefaultPort(t *testing.T) {
	s, _ := NewServerRecord("", "10.0.0.1", 8554, "DVBS2-1", "", "box", false, time.Now())
	require.Equal(t, "rtsp://10.0.0.1:8554/", deriveBaseURL(s))
}

func TestApplyForcePilotAppendsWhenMissing(t *testing.T) {
	got := applyForcePilot("src=1&freq=12207&pol=h&msys=dvbs2&mtype=8psk&sr=27500&fec=3/4", QuirkForcePilot)
	require.Equal(t, "src=1&freq=12207&pol=h&msys=dvbs2&mtype=8psk&sr=27500&fec=3/4&plts=on", got)
}

func TestApplyForcePilotSkipsWhenAlreadyPresent(t *testing.T) {
	params := "msys=dvbs2&plts=on"
	require.Equal(t, params, applyForcePilot(params, QuirkForcePilot))
}

func TestApplyForcePilotSkipsWithoutQuirk(t *testing.T) {
	params := "msys=dvbs2"
	require.Equal(t, params, applyForcePilot(params, 0))
}

func TestEngineSetSourceDerivesBaseURLAndQueuesSet(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-2", "", "GSSBOX DVB-S2", false, time.Now())

	e.SetSource(server, 1, "src=1&freq=12207&pol=h&msys=dvbs2&mtype=8psk&sr=27500&fec=3/4", 0, false)

	require.Equal(t, "rtsp://10.0.0.1/", e.baseURL)
	require.Contains(t, e.streamParam, "&plts=on")
	require.Equal(t, 1, e.sm.PendingExternal())
}

func TestEngineConnectFreshSession(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-2", "", "box", false, time.Now())
	require.True(t, server.Assign(1, "src=1&msys=dvbs2", 0))
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)

	ok := e.Connect()
	require.True(t, ok)
	require.Len(t, rtsp.setupCalls, 1)
	require.Same(t, server, e.currentServer)
	require.True(t, server.pool(FrontendDVBS2).Attached(1))
}

func TestEngineConnectFailureResetsStreamID(t *testing.T) {
	rtsp := &fakeRTSPConn{setupErr: context.DeadlineExceeded}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-2", "", "box", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)

	ok := e.Connect()
	require.False(t, ok)
	require.Equal(t, -1, e.streamID)
}

func TestEngineConnectIdempotentWhenLockedAndSameParams(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-2", "", "box", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())

	e.mu.Lock()
	e.streamID = 17
	e.reception.HasLock = true
	e.mu.Unlock()

	setupCallsBefore := len(rtsp.setupCalls)
	playCallsBefore := len(rtsp.playCalls)
	require.True(t, e.Connect())
	require.Equal(t, setupCallsBefore, len(rtsp.setupCalls))
	require.Equal(t, playCallsBefore, len(rtsp.playCalls))
}

func TestEngineSetPidTracksPendingDeltas(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)

	e.SetPid(16, PidKindData, true)
	e.SetPid(17, PidKindData, true)
	require.Equal(t, 2, e.pendingAdds.Size())

	e.SetPid(16, PidKindData, false)
	require.Equal(t, -1, e.pendingAdds.IndexOf(16))
	require.Equal(t, 1, e.pendingDels.Size())
}

func TestEngineUpdatePidsPlayPidsQuirkAppendsDummyForSingleLowPid(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBC-1", "", "FRITZ!WLAN Repeater DVB-C", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbc", 0, false)
	require.True(t, e.Connect())

	e.mu.Lock()
	e.streamID = 1
	e.mu.Unlock()
	e.committed.AddPid(0x00)

	ok := e.UpdatePids(true)
	require.True(t, ok)
	require.Len(t, rtsp.playCalls, 1)
	require.Contains(t, rtsp.playCalls[0], "pids=0,8191")
}

func TestEngineUpdatePidsAddDelQuery(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "box", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())
	e.mu.Lock()
	e.streamID = 1
	e.mu.Unlock()

	e.SetPid(16, PidKindData, true)
	ok := e.UpdatePids(false)
	require.True(t, ok)
	require.Len(t, rtsp.playCalls, 1)
	require.Contains(t, rtsp.playCalls[0], "addpids=16")
	require.Equal(t, 0, e.pendingAdds.Size())
}

func TestEngineCiXpmtLingerPrunesToLastPid(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	e.config.CIExtensionEnabled = true
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "minisatip", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())
	e.mu.Lock()
	e.streamID = 1
	e.mu.Unlock()

	e.SetPid(100, PidKindPMT, true)
	e.SetPid(200, PidKindPMT, true)
	e.mu.Lock()
	e.pmtLingerDeadline = time.Now().Add(time.Hour)
	e.mu.Unlock()

	require.True(t, e.UpdatePids(true))
	require.Contains(t, rtsp.playCalls[len(rtsp.playCalls)-1], "x_pmt=100,200")

	e.mu.Lock()
	e.pmtLingerDeadline = time.Now().Add(-time.Second)
	e.mu.Unlock()

	require.True(t, e.UpdatePids(true))
	require.Contains(t, rtsp.playCalls[len(rtsp.playCalls)-1], "x_pmt=200")
}

func TestEngineUpdatePidsCrossChecksConsumerPmtAndCiSlot(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	consumer := &fakeConsumer{pmtPid: 300, ciSlot: 2}
	e := newTestEngineWithConsumer(t, rtsp, consumer)
	e.config.CIExtensionEnabled = true
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "minisatip", false, time.Now())
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())
	e.mu.Lock()
	e.streamID = 1
	e.mu.Unlock()

	ok := e.UpdatePids(true)
	require.True(t, ok)
	require.Contains(t, rtsp.playCalls[len(rtsp.playCalls)-1], "x_pmt=300")
	require.Contains(t, rtsp.playCalls[len(rtsp.playCalls)-1], "x_ci=2")
}

func TestEngineGetInformationBelowTuned(t *testing.T) {
	e := newTestEngine(t, &fakeRTSPConn{})
	require.Equal(t, "connection failed", e.GetInformation())
}

func TestEngineHasLockFalseBelowTuned(t *testing.T) {
	e := newTestEngine(t, &fakeRTSPConn{})
	require.False(t, e.HasLock())
}

func TestEngineEnterTunedForceLockWaitsForLivenessBeforeLocking(t *testing.T) {
	rtsp := &fakeRTSPConn{describeErr: context.DeadlineExceeded}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "Schwaiger Sat>IP Server", false, time.Now())
	require.True(t, server.Assign(1, "src=1&msys=dvbs2", 0))
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())

	e.mu.Lock()
	e.tuningDeadline = time.Now().Add(time.Hour)
	e.mu.Unlock()

	e.enterTuned()
	require.Equal(t, 0, e.sm.PendingInternal(), "unreachable server must not be queued into Locked before the watchdog decides")
	e.mu.Lock()
	require.False(t, e.reception.HasLock)
	e.mu.Unlock()

	e.mu.Lock()
	e.tuningDeadline = time.Now().Add(-time.Second)
	e.mu.Unlock()

	e.enterTuned()
	require.Equal(t, 1, e.sm.PendingInternal())
	next, ok := e.sm.DrainNext()
	require.True(t, ok)
	require.Equal(t, StateSet, next)
}

func TestEngineEnterTunedForceLockLocksOnceLive(t *testing.T) {
	rtsp := &fakeRTSPConn{}
	e := newTestEngine(t, rtsp)
	server, _ := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "Schwaiger Sat>IP Server", false, time.Now())
	require.True(t, server.Assign(1, "src=1&msys=dvbs2", 0))
	e.SetSource(server, 1, "src=1&msys=dvbs2", 0, false)
	require.True(t, e.Connect())

	e.mu.Lock()
	e.tuningDeadline = time.Now().Add(time.Hour)
	e.mu.Unlock()

	e.enterTuned()
	require.Equal(t, 1, e.sm.PendingInternal())
	next, ok := e.sm.DrainNext()
	require.True(t, ok)
	require.Equal(t, StateLocked, next)
	require.True(t, e.HasLock())
}
