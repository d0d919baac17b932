package satip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PidKind names whether a PID carries audio/video/other payload or a PMT,
// mirroring the "type" argument of SetPid.
type PidKind int

const (
	PidKindData PidKind = iota
	PidKindPMT
)

// Engine is the per-device session engine: it drives RTSP SETUP/
// PLAY/TEARDOWN/OPTIONS/DESCRIBE under state-machine control, owns its
// RTP/RTCP sockets and PID deltas, and reports reception quality parsed by
// C7. A single mutex serializes all field mutations. Connect, Disconnect,
// Release and UpdatePids issue their RTSP commands while holding it;
// KeepAlive, ReadReceptionStatus and Receive release it before calling the
// RTSP connection.
type Engine struct {
	deviceID int
	config   *Config
	registry *ServerRegistry
	metrics  *TunerMetrics
	log      zerolog.Logger

	rtsp     RTSPConn
	poller   Poller
	consumer Consumer

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	mu sync.Mutex
	sm *StateMachine

	currentServer      *ServerRecord
	currentTransponder int
	nextServer         *ServerRecord
	nextTransponder    int

	baseURL          string
	lastBaseURL      string
	streamParam      string
	lastAppliedParam string
	sessionID        string
	streamID         int

	pendingAdds *PidSet
	pendingDels *PidSet
	committed   *PidSet

	pmtPids           *PidSet
	pmtLingerDeadline time.Time
	lastTnrSent       string
	lastCiSlotSent    int

	keepAliveDeadline       time.Time
	statusUpdateDeadline    time.Time
	connectWatchdogDeadline time.Time
	pidUpdateCacheDeadline  time.Time
	setupTimeoutDeadline    time.Time
	tuningDeadline          time.Time
	sessionTimeout          time.Duration

	needsReconnect  bool
	idleConsecutive int
	reception       ReceptionStatus

	retuneBackoff         *backoff.Backoff
	setNotBefore          time.Time
	forceUpdatePidsLocked bool

	closed chan struct{}
}

// EngineOption configures an Engine at construction time using the usual
// functional-options pattern.
type EngineOption func(e *Engine) error

// WithLogger overrides the engine's base logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// WithMetrics attaches a TunerMetrics vector set.
func WithMetrics(m *TunerMetrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// NewEngine constructs an engine for deviceID, opening its RTP/RTCP socket
// pair up front. A socket-acquisition failure is returned to the caller
// directly and a partially-built Engine is never returned — callers that
// need "engine remains but all Connects fail" semantics should retry
// construction.
func NewEngine(deviceID int, config *Config, registry *ServerRegistry, rtsp RTSPConn, poller Poller, consumer Consumer, opts ...EngineOption) (*Engine, error) {
	rtp, rtcp, err := acquireSocketPair(config)
	if err != nil {
		return nil, fmt.Errorf("satip: acquiring socket pair for device %d: %w", deviceID, err)
	}

	e := &Engine{
		deviceID:       deviceID,
		config:         config,
		registry:       registry,
		rtsp:           rtsp,
		poller:         poller,
		consumer:       consumer,
		rtpConn:        rtp,
		rtcpConn:       rtcp,
		sm:             NewStateMachine(),
		pendingAdds:    NewPidSet(),
		pendingDels:    NewPidSet(),
		committed:      NewPidSet(),
		pmtPids:        NewPidSet(),
		streamID:       -1,
		lastCiSlotSent: -1,
		closed:         make(chan struct{}),
		retuneBackoff: &backoff.Backoff{
			Min:    time.Duration(config.SetRetryBackoffMinMs) * time.Millisecond,
			Max:    time.Duration(config.SetRetryBackoffMaxMs) * time.Millisecond,
			Factor: 2,
			Jitter: true,
		},
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		if err := o(e); err != nil {
			rtp.Close()
			rtcp.Close()
			return nil, err
		}
	}
	e.log = e.log.With().Int("device_id", deviceID).Logger()

	if e.poller != nil {
		e.poller.Register(rtp, func() { e.pumpRTP() })
		e.poller.Register(rtcp, func() { e.pumpRTCP() })
	}
	e.log.Info().
		Str("rtp_addr", rtp.LocalAddr().String()).
		Str("rtcp_addr", rtcp.LocalAddr().String()).
		Msg("engine socket pair acquired")
	return e, nil
}

// acquireSocketPair opens an RTP UDP socket on an even port and an RTCP
// socket on the next (odd) port. With a configured port range it tries
// consecutive even ports within [low, high] (step 2); otherwise it
// attempts up to 100 kernel-assigned random pairs, rejecting any pair
// whose RTP port lands on an odd number.
func acquireSocketPair(config *Config) (*net.UDPConn, *net.UDPConn, error) {
	if config.PortRangeLow > 0 && config.PortRangeHigh > config.PortRangeLow {
		low := config.PortRangeLow
		if low%2 != 0 {
			low++
		}
		for port := low; port+1 <= config.PortRangeHigh; port += 2 {
			rtp, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
			if err != nil {
				continue
			}
			rtcp, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
			if err != nil {
				rtp.Close()
				continue
			}
			return rtp, rtcp, nil
		}
		return nil, nil, fmt.Errorf("no free even/odd port pair in [%d,%d]", config.PortRangeLow, config.PortRangeHigh)
	}

	for attempt := 0; attempt < 100; attempt++ {
		rtp, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			continue
		}
		rtpPort := rtp.LocalAddr().(*net.UDPAddr).Port
		if rtpPort%2 != 0 {
			rtp.Close()
			continue
		}
		rtcp, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtpPort + 1})
		if err != nil {
			rtp.Close()
			continue
		}
		return rtp, rtcp, nil
	}
	return nil, nil, fmt.Errorf("no even/odd kernel-assigned port pair found after 100 attempts")
}

func (e *Engine) pumpRTP() {
	buf := make([]byte, e.bufferSize())
	n, _, err := e.rtpConn.ReadFromUDP(buf)
	if err != nil {
		return
	}
	e.ProcessVideoData(buf[:n])
}

func (e *Engine) pumpRTCP() {
	buf := make([]byte, e.bufferSize())
	n, _, err := e.rtcpConn.ReadFromUDP(buf)
	if err != nil {
		return
	}
	e.ProcessApplicationData(buf[:n])
}

func (e *Engine) bufferSize() int {
	if e.config.RTPReceiveBufferSize > 0 {
		return e.config.RTPReceiveBufferSize
	}
	return 1880 * 7
}

// ProcessVideoData forwards one RTP payload straight to the consumer. It is
// only ever invoked from the receive-pump goroutine, never holding the
// engine mutex, since MPEG-TS decoding is out of scope.
func (e *Engine) ProcessVideoData(data []byte) {
	if e.consumer != nil {
		e.consumer.WriteData(data)
	}
}

// ProcessApplicationData parses an RTCP APP payload for tuner reception
// status and refreshes the connect watchdog on every arrival.
func (e *Engine) ProcessApplicationData(data []byte) {
	status, ok := ParseReception(data)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectWatchdogDeadline = time.Now().Add(time.Duration(e.config.ConnectWatchdogMs) * time.Millisecond)
	if !ok {
		return
	}
	e.reception = status
	if e.metrics != nil {
		e.metrics.observe(strconv.Itoa(e.deviceID), status, e.sm.Current())
	}
	if status.HasLock && e.sm.Current() == StateTuned {
		e.sm.RequestState(StateLocked, Internal)
	}
}

// Run drives the state-machine loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.runLoop(ctx)
	})
	return group.Wait()
}

func (e *Engine) runLoop(ctx context.Context) error {
	sleep := time.Duration(e.config.SleepTimeoutMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.closed:
			return nil
		default:
		}

		// Each pass acts on the current state, whether or not a transition
		// was drained, and sleeps only when nothing is queued.
		state, _ := e.sm.DrainNext()
		e.stepState(state)
		if e.sm.PendingInternal() > 0 || e.sm.PendingExternal() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.closed:
			return nil
		case <-e.sm.Wake():
		case <-time.After(sleep):
		}
	}
}

// revalidateCurrentServer tolerates the registry having deleted the current
// server record via Cleanup: the engine only ever holds a weak reference
// and must fall back to nil rather than operate on a stale pointer.
func (e *Engine) revalidateCurrentServer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry == nil || e.currentServer == nil {
		return
	}
	for _, rec := range e.registry.List() {
		if rec == e.currentServer {
			return
		}
	}
	e.currentServer = nil
}

func (e *Engine) stepState(state TunerState) {
	e.revalidateCurrentServer()
	switch state {
	case StateIdle:
		// No session; no RTSP traffic. Terminal until an external Set.
	case StateRelease:
		e.release()
		e.sm.RequestState(StateIdle, Internal)
	case StateSet:
		e.enterSet()
	case StateTuned:
		e.enterTuned()
	case StateLocked:
		e.enterLocked()
	}
}

// --- Release -----------------------------------------------------------

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.streamID >= 0 && e.rtsp != nil {
		e.rtsp.Teardown(context.Background(), e.streamURL())
	}
	if e.config.DisconnectIdleStreams && e.rtsp != nil {
		e.rtsp.Destroy()
	} else if e.rtsp != nil {
		e.rtsp.Reset()
	}
	if e.currentServer != nil {
		e.currentServer.Detach(e.deviceID)
	}
	e.streamID = -1
	e.reception = ReceptionStatus{}
	e.pendingAdds.Clear()
	e.pendingDels.Clear()
	e.idleConsecutive = 0
}

// --- Set -----------------------------------------------------------------

func (e *Engine) enterSet() {
	e.mu.Lock()
	notBefore := e.setNotBefore
	e.mu.Unlock()
	if !notBefore.IsZero() && time.Now().Before(notBefore) {
		return
	}

	e.mu.Lock()
	tearAndPlay := e.currentServer != nil && e.currentServer.Quirks()&QuirkTearAndPlay != 0
	needsReconnect := e.needsReconnect
	e.mu.Unlock()

	if tearAndPlay || needsReconnect {
		e.Disconnect()
	}

	ok := e.Connect()
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.retuneBackoff.Reset()
		e.needsReconnect = false
		e.forceUpdatePidsLocked = true
		e.tuningDeadline = time.Now().Add(time.Duration(e.config.TuningWatchdogMs) * time.Millisecond)
		e.sm.RequestState(StateTuned, Internal)
	} else {
		if e.metrics != nil {
			e.metrics.recordRetune(strconv.Itoa(e.deviceID))
		}
		delay := e.retuneBackoff.Duration()
		e.setNotBefore = time.Now().Add(delay)
		e.log.Debug().Dur("backoff", delay).Msg("connect failed, backing off before retune")
		if e.rtsp != nil {
			if e.config.DisconnectIdleStreams {
				e.rtsp.Destroy()
			} else {
				e.rtsp.Reset()
			}
		}
	}
}

// --- Tuned -----------------------------------------------------------------

func (e *Engine) enterTuned() {
	e.mu.Lock()
	e.connectWatchdogDeadline = time.Now().Add(time.Duration(e.config.ConnectWatchdogMs) * time.Millisecond)
	e.mu.Unlock()

	if e.consumer != nil {
		e.consumer.SetChannelTuned()
	}

	e.mu.Lock()
	hasLock := e.reception.HasLock
	e.mu.Unlock()

	// ForceLock only synthesizes reception once the connection has proven
	// itself live, either an existing lock or a successful DESCRIBE/RTCP
	// read; an unreachable server must still hit the tuning watchdog below.
	if !hasLock && !e.ReadReceptionStatus(false) {
		e.mu.Lock()
		expired := !e.tuningDeadline.IsZero() && time.Now().After(e.tuningDeadline)
		e.mu.Unlock()
		if expired {
			e.sm.RequestState(StateSet, Internal)
		}
		return
	}

	e.mu.Lock()
	server := e.currentServer
	e.mu.Unlock()

	if server != nil && server.Quirks()&QuirkForceLock != 0 {
		e.mu.Lock()
		e.reception = ReceptionStatus{HasLock: true, SignalStrength: 100, SignalQuality: 100}
		e.mu.Unlock()
		e.sm.RequestState(StateLocked, Internal)
		return
	}

	e.mu.Lock()
	hasLock = e.reception.HasLock
	e.mu.Unlock()
	if hasLock {
		e.sm.RequestState(StateLocked, Internal)
	}
}

// --- Locked ----------------------------------------------------------------

func (e *Engine) enterLocked() {
	pidsOK := e.UpdatePids(false)
	keepAliveOK := e.KeepAlive(false)
	e.Receive()

	e.mu.Lock()
	watchdogExpired := !e.connectWatchdogDeadline.IsZero() && time.Now().After(e.connectWatchdogDeadline)
	e.mu.Unlock()

	if !pidsOK || !keepAliveOK || watchdogExpired {
		e.sm.RequestState(StateSet, Internal)
		return
	}

	if e.consumer != nil && e.consumer.IsIdle() {
		e.mu.Lock()
		e.idleConsecutive++
		idle := e.idleConsecutive >= 2
		e.mu.Unlock()
		if idle {
			e.sm.RequestState(StateRelease, Internal)
		}
	} else {
		e.mu.Lock()
		e.idleConsecutive = 0
		e.mu.Unlock()
	}
}

// --- Connect / Disconnect ----------------------------------------------

// Connect issues (or re-issues) the RTSP SETUP/PLAY sequence for the
// current source, promoting nextServer to currentServer on success.
func (e *Engine) Connect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.streamID >= 0 && e.streamParam == e.lastAppliedParam && e.reception.HasLock {
		return true
	}

	if e.streamID >= 0 {
		if e.rtsp != nil && e.rtsp.Play(context.Background(), e.streamURLLocked()) == nil {
			e.keepAliveDeadline = time.Now().Add(e.sessionTimeout)
			e.lastAppliedParam = e.streamParam
			return true
		}
	}

	if e.nextServer == nil {
		return false
	}

	if e.nextServer.SourceAddress != "" && e.rtsp != nil {
		e.rtsp.SetInterface(e.nextServer.SourceAddress)
	}
	if e.rtsp != nil {
		e.rtsp.Options(context.Background(), e.baseURL)
	}

	transport := "RTP/AVP;unicast"
	switch e.config.Transport {
	case TransportMulticast:
		transport = "RTP/AVP;multicast"
	case TransportRTPOverTCP:
		if e.nextServer.Quirks()&QuirkRtpOverTcp != 0 {
			transport = "RTP/AVP/TCP;interleaved=0-1"
		}
	}

	setupURL := e.baseURL
	if e.streamParam != "" {
		setupURL += "?" + e.streamParam
	}

	if e.rtsp == nil || e.rtsp.Setup(context.Background(), setupURL, transport) != nil {
		e.finishFailedConnectLocked()
		return false
	}

	e.currentServer = e.nextServer
	e.currentTransponder = e.nextTransponder
	e.lastBaseURL = e.baseURL
	e.lastAppliedParam = e.streamParam
	e.currentServer.Attach(e.deviceID)
	e.keepAliveDeadline = time.Now().Add(e.sessionTimeout)
	if e.rtsp != nil {
		e.sessionID = e.rtsp.Session()
		e.streamID = e.rtsp.StreamID()
	}
	return true
}

func (e *Engine) finishFailedConnectLocked() {
	if e.rtsp != nil {
		if e.config.DisconnectIdleStreams {
			e.rtsp.Destroy()
		} else {
			e.rtsp.Reset()
		}
	}
	e.streamID = -1
}

// Disconnect tears down the current RTSP session and releases the
// assigned frontend slot.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamID >= 0 && e.rtsp != nil {
		e.rtsp.Teardown(context.Background(), e.streamURLLocked())
	}
	if e.rtsp != nil {
		if e.config.DisconnectIdleStreams {
			e.rtsp.Destroy()
		} else {
			e.rtsp.Reset()
		}
	}
	e.committed.Clear()
	e.pendingAdds.Clear()
	e.pendingDels.Clear()
	e.reception = ReceptionStatus{}
	e.sessionTimeout = 0
	e.sessionID = ""
	if e.currentServer != nil {
		e.currentServer.Detach(e.deviceID)
	}
	e.streamID = -1
}

func (e *Engine) streamURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamURLLocked()
}

func (e *Engine) streamURLLocked() string {
	return fmt.Sprintf("%s/stream=%d", e.baseURL, e.streamID)
}

// --- UpdatePids ------------------------------------------------------------

// UpdatePids pushes any queued PID additions/removals to the server. A successful
// Connect sets forceUpdatePidsLocked so the very next Locked pass pushes
// the full committed PID set even with no pending deltas.
func (e *Engine) UpdatePids(force bool) bool {
	e.mu.Lock()
	force = force || e.forceUpdatePidsLocked
	e.forceUpdatePidsLocked = false

	cacheExpired := e.pidUpdateCacheDeadline.IsZero() || time.Now().After(e.pidUpdateCacheDeadline)
	hasDeltas := e.pendingAdds.Size() > 0 || e.pendingDels.Size() > 0
	pmtLingerExpired := !e.pmtLingerDeadline.IsZero() && time.Now().After(e.pmtLingerDeadline)
	pmtActive := e.pmtPids.Size() > 0 && pmtLingerExpired

	shouldRun := force || (cacheExpired && hasDeltas) || pmtActive
	if !shouldRun || e.baseURL == "" || e.streamID < 0 {
		e.mu.Unlock()
		return true
	}

	var query strings.Builder
	appended := false

	server := e.currentServer
	quirks := Quirk(0)
	if server != nil {
		quirks = server.Quirks()
	}

	if force || quirks&QuirkPlayPids != 0 {
		pids := e.committed.Pids()
		list := e.committed.ListPids()
		if quirks&QuirkPlayPids != 0 && len(pids) == 1 && pids[0] < 0x20 {
			list += "," + strconv.Itoa(e.config.DummyPidSentinel)
		}
		query.WriteString("?pids=" + list)
		appended = true
	} else {
		if e.pendingAdds.Size() > 0 {
			query.WriteString("?addpids=" + e.pendingAdds.ListPids())
			appended = true
		}
		if e.pendingDels.Size() > 0 {
			if appended {
				query.WriteString("&delpids=" + e.pendingDels.ListPids())
			} else {
				query.WriteString("?delpids=" + e.pendingDels.ListPids())
				appended = true
			}
		}
	}

	if e.config.CIExtensionEnabled && server != nil && server.HasCI() {
		if quirks&QuirkCiXpmt != 0 {
			// The consumer is the authoritative source for which PMT the CI
			// should decode; cross-check it into the tracked set so a host
			// that only implements GetPmtPid (and never calls SetPid for
			// PMT PIDs) still gets x_pmt emitted.
			if e.consumer != nil {
				if pid := e.consumer.GetPmtPid(); pid > 0 {
					e.pmtPids.AddPid(pid)
				}
			}
			if e.pmtPids.Size() > 0 {
				if pmtLingerExpired && e.pmtPids.Size() > 1 {
					last := e.pmtPids.Pids()[e.pmtPids.Size()-1]
					e.pmtPids.Clear()
					e.pmtPids.AddPid(last)
				}
				sep := "&"
				if !appended {
					sep = "?"
				}
				query.WriteString(sep + "x_pmt=" + e.pmtPids.ListPids())
				appended = true
			}
		}
		if quirks&QuirkCiTnr != 0 && e.consumer != nil {
			tnr := e.consumer.GetTnrParameterString()
			if tnr != "" && tnr != e.lastTnrSent {
				sep := "&"
				if !appended {
					sep = "?"
				}
				query.WriteString(sep + "tnr=" + tnr)
				appended = true
				e.lastTnrSent = tnr
			}
		}
		// x_ci slot: an explicit per-device configuration wins; absent that,
		// fall back to what the consumer itself reports is in use.
		slot, haveSlot := e.config.CISlotForDevice[e.deviceID]
		if !haveSlot && e.consumer != nil {
			if s := e.consumer.GetCISlot(); s > 0 {
				slot, haveSlot = s, true
			}
		}
		if haveSlot && slot != e.lastCiSlotSent {
			sep := "&"
			if !appended {
				sep = "?"
			}
			query.WriteString(sep + "x_ci=" + strconv.Itoa(slot))
			appended = true
			e.lastCiSlotSent = slot
		}
	}

	if !appended {
		e.mu.Unlock()
		return true
	}

	playURL := e.baseURL + fmt.Sprintf("/stream=%d", e.streamID) + query.String()
	if e.rtsp == nil || e.rtsp.Play(context.Background(), playURL) != nil {
		e.mu.Unlock()
		return false
	}

	e.pidUpdateCacheDeadline = time.Now().Add(time.Duration(e.config.PidUpdateCacheMs) * time.Millisecond)
	e.pendingAdds.Clear()
	e.pendingDels.Clear()
	e.mu.Unlock()
	return true
}

// --- KeepAlive ---------------------------------------------------------

// KeepAlive issues an RTSP OPTIONS when the keep-alive deadline has passed
// (or force is set) and re-arms the deadline by sessionTimeout. Nothing sets
// sessionTimeout from the server's announced timeout, so it stays zero and
// every call with a base URL issues OPTIONS.
func (e *Engine) KeepAlive(force bool) bool {
	e.mu.Lock()
	expired := e.keepAliveDeadline.IsZero() || time.Now().After(e.keepAliveDeadline)
	baseURL := e.baseURL
	rtsp := e.rtsp
	e.mu.Unlock()

	if (!expired && !force) || baseURL == "" {
		return true
	}
	if rtsp == nil || rtsp.Options(context.Background(), baseURL) != nil {
		if e.metrics != nil {
			e.metrics.recordKeepAliveFailure(strconv.Itoa(e.deviceID))
		}
		return false
	}
	e.mu.Lock()
	e.keepAliveDeadline = time.Now().Add(e.sessionTimeout)
	e.mu.Unlock()
	return true
}

// --- ReadReceptionStatus -------------------------------------------------

// ReadReceptionStatus issues an RTSP DESCRIBE to refresh reception status
// once the status-update window has elapsed. It returns true only when a
// DESCRIBE was issued and succeeded.
func (e *Engine) ReadReceptionStatus(force bool) bool {
	e.mu.Lock()
	expired := e.statusUpdateDeadline.IsZero() || time.Now().After(e.statusUpdateDeadline)
	streamID := e.streamID
	rtsp := e.rtsp
	url := ""
	if streamID >= 0 {
		url = e.streamURLLocked()
	}
	e.mu.Unlock()

	if (!expired && !force) || streamID < 0 || rtsp == nil {
		return false
	}
	_, err := rtsp.Describe(context.Background(), url)

	e.mu.Lock()
	e.statusUpdateDeadline = time.Now().Add(time.Duration(e.config.StatusUpdateMs) * time.Millisecond)
	e.mu.Unlock()
	return err == nil
}

// Receive polls the RTSP connection for queued inbound data, servicing
// server-initiated messages and keeping a TCP-interleaved half alive.
func (e *Engine) Receive() {
	e.mu.Lock()
	rtsp := e.rtsp
	e.mu.Unlock()
	if rtsp == nil {
		return
	}
	rtsp.Receive(context.Background())
}

// --- SetSource / SetPid --------------------------------------------------

// SetSource queues a tune request to the given server/transponder/params,
// releasing the current session first if the server is actually changing.
func (e *Engine) SetSource(server *ServerRecord, transponder int, params string, index int, needsReconnect bool) {
	e.mu.Lock()
	e.nextServer = server
	e.nextTransponder = transponder

	if server == nil {
		e.baseURL = ""
		e.streamParam = ""
		e.mu.Unlock()
		return
	}

	if server.Address != "" && params != "" {
		e.baseURL = deriveBaseURL(server)
		e.streamParam = applyForcePilot(rtspUnescapeParam(e.rtsp, params), server.Quirks())
	}

	serverChanged := e.lastBaseURL != "" && e.lastBaseURL != e.baseURL
	e.needsReconnect = needsReconnect
	e.setupTimeoutDeadline = time.Now().Add(time.Duration(e.config.SetupTimeoutMs) * time.Millisecond)
	e.mu.Unlock()

	if serverChanged {
		e.sm.RequestState(StateRelease, Internal)
	}
	e.sm.RequestState(StateSet, External)
}

// SetPid records a PID addition or removal against the committed set,
// to be applied on the next UpdatePids.
func (e *Engine) SetPid(pid int, kind PidKind, add bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if add {
		if e.committed.AddPid(pid) {
			e.pendingDels.RemovePid(pid)
			e.pendingAdds.AddPid(pid)
		}
		if kind == PidKindPMT {
			e.pmtPids.AddPid(pid)
		}
	} else {
		if e.committed.RemovePid(pid) {
			e.pendingAdds.RemovePid(pid)
			e.pendingDels.AddPid(pid)
		}
		if kind == PidKindPMT {
			e.pmtLingerDeadline = time.Now().Add(time.Duration(e.config.PmtLingerMs) * time.Millisecond)
		}
	}
	e.sm.signalLocked()
}

// --- Observability --------------------------------------------------------

// GetInformation returns a human-readable status string; "connection
// failed" while the tuner is below Tuned.
func (e *Engine) GetInformation() string {
	state := e.sm.Current()
	if state != StateTuned && state != StateLocked {
		return "connection failed"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("state=%s lock=%v strength=%d quality=%d", state, e.reception.HasLock, e.reception.SignalStrength, e.reception.SignalQuality)
}

// HasLock reports whether the tuner is Tuned/Locked with an active lock.
func (e *Engine) HasLock() bool {
	state := e.sm.Current()
	if state != StateTuned && state != StateLocked {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reception.HasLock
}

// DeviceID returns the device id this engine was constructed for.
func (e *Engine) DeviceID() int {
	return e.deviceID
}

// Status renders a TunerStatusView snapshot for the introspection RPC.
func (e *Engine) Status() *TunerStatusView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &TunerStatusView{
		DeviceID:       e.deviceID,
		State:          e.sm.Current().String(),
		HasLock:        e.reception.HasLock,
		SignalStrength: e.reception.SignalStrength,
		SignalQuality:  e.reception.SignalQuality,
		FrontendID:     e.reception.FrontendID,
		Pids:           e.committed.ListPids(),
	}
}

// Close signals the engine loop to stop, sleeps three seconds, then
// unregisters and closes its sockets. It does not wait on the loop itself.
func (e *Engine) Close() error {
	close(e.closed)
	e.sm.signalLocked()
	time.Sleep(3 * time.Second)
	if e.poller != nil {
		e.poller.Unregister(e.rtpConn)
		e.poller.Unregister(e.rtcpConn)
	}
	e.rtpConn.Close()
	e.rtcpConn.Close()
	return nil
}

// --- URL helpers -----------------------------------------------------------

// deriveBaseURL renders "rtsp://<addr>[:<port>]/", omitting the port when
// it equals the default 554.
func deriveBaseURL(server *ServerRecord) string {
	if server.Port == 0 || server.Port == 554 {
		return fmt.Sprintf("rtsp://%s/", server.Address)
	}
	return fmt.Sprintf("rtsp://%s:%d/", server.Address, server.Port)
}

// applyForcePilot appends "&plts=on" when the server has the ForcePilot
// quirk, the parameter string declares msys=dvbs2, and no plts= is present.
func applyForcePilot(params string, quirks Quirk) string {
	if quirks&QuirkForcePilot == 0 {
		return params
	}
	if !strings.Contains(params, "msys=dvbs2") {
		return params
	}
	if strings.Contains(params, "plts=") {
		return params
	}
	return params + "&plts=on"
}

// rtspUnescapeParam passes a single parameter value through RTSP-unescape
// via the provided collaborator, matching the SAT>IP parameter grammar
// note that all values pass through RTSP unescape before use.
func rtspUnescapeParam(rtsp RTSPConn, v string) string {
	if rtsp == nil {
		return v
	}
	return rtsp.RtspUnescape(v)
}

// randomDeviceCorrelationSuffix returns a random decimal string in
// [0, 1000000). Nothing in this module calls it.
func randomDeviceCorrelationSuffix() string {
	return strconv.Itoa(rand.Intn(1_000_000))
}
