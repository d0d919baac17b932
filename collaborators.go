package satip

import (
	"context"
	"net"
)

// RTSPConn is the out-of-scope RTSP transport codec: line parser/serializer
// and session/CSeq bookkeeping. The engine drives it; it never parses RTSP
// itself.
type RTSPConn interface {
	Options(ctx context.Context, url string) error
	Setup(ctx context.Context, url string, transport string) error
	Play(ctx context.Context, url string) error
	Describe(ctx context.Context, url string) (string, error)
	Teardown(ctx context.Context, url string) error
	Receive(ctx context.Context) ([]byte, error)

	SetInterface(localAddr string) error
	SetSession(sessionID string)
	Session() string

	// StreamID returns the "com.ses.streamID" value the server assigned in
	// its last SETUP response, or a negative number if Setup has not
	// succeeded yet.
	StreamID() int

	// Destroy tears down the underlying connection entirely; Reset keeps
	// the connection but clears session/CSeq state, leaving it ready for
	// another Setup without a fresh socket.
	Destroy() error
	Reset() error

	ActiveMode() bool
	RtspUnescape(s string) string
}

// RTPSocket and RTCPSocket are the raw UDP receivers for media and control
// data; the engine only needs their bound port and lifecycle.
type RTPSocket interface {
	LocalPort() int
	Close() error
}

type RTCPSocket interface {
	LocalPort() int
	Close() error
}

// Poller registers pollable sockets with the shared I/O dispatcher that
// drives RTP/RTCP callbacks into the engine.
type Poller interface {
	Register(conn net.Conn, onReadable func()) error
	Unregister(conn net.Conn) error
}

// Consumer is the per-device transport-stream sink.
type Consumer interface {
	WriteData(data []byte)
	IsIdle() bool
	SetChannelTuned()
	GetPmtPid() int
	GetCISlot() int
	GetTnrParameterString() string
}

// Discoverer is the UPnP/SSDP crawler surface. Neither the engine nor the
// demo binary calls it.
type Discoverer interface {
	Servers(ctx context.Context) ([]*ServerRecord, error)
}

// udpSocketAdapter is the minimal stdlib adapter for RTPSocket/RTCPSocket.
// There is no higher-level RTP/RTCP library in play here; raw net.UDPConn
// is the wire I/O primitive for both the media and control sockets.
type udpSocketAdapter struct {
	conn *net.UDPConn
}

func newUDPSocketAdapter(conn *net.UDPConn) *udpSocketAdapter {
	return &udpSocketAdapter{conn: conn}
}

func (a *udpSocketAdapter) LocalPort() int {
	if addr, ok := a.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

func (a *udpSocketAdapter) Close() error {
	return a.conn.Close()
}
