package satip

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	bencode "github.com/anacrolix/torrent/bencode"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	ben "github.com/stefanovazzocell/bencode"
)

// InspectCommand is one introspection request: list the registry, report
// one tuner's live status, or ping the daemon.
type InspectCommand struct {
	Command  string `json:"command" bencode:"command"`
	DeviceID int    `json:"device_id,omitempty" bencode:"device_id,omitempty"`
}

const (
	CommandListServers = "list-servers"
	CommandTunerStatus = "tuner-status"
	CommandPing        = "ping"
)

// TunerStatusView is the read-only snapshot of one engine's session state
// returned by the "tuner-status" command.
type TunerStatusView struct {
	DeviceID       int    `json:"device_id" bencode:"device_id"`
	State          string `json:"state" bencode:"state"`
	HasLock        bool   `json:"has_lock" bencode:"has_lock"`
	SignalStrength int    `json:"signal_strength" bencode:"signal_strength"`
	SignalQuality  int    `json:"signal_quality" bencode:"signal_quality"`
	FrontendID     int    `json:"frontend_id" bencode:"frontend_id"`
	Pids           string `json:"pids" bencode:"pids"`
}

// InspectResponse is the decoded reply to an InspectCommand.
type InspectResponse struct {
	Result      string           `json:"result" bencode:"result"`
	ErrorReason string           `json:"error-reason,omitempty" bencode:"error-reason,omitempty"`
	Servers     []string         `json:"servers,omitempty" bencode:"servers,omitempty"`
	Status      *TunerStatusView `json:"status,omitempty" bencode:"status,omitempty"`
}

// EncodeCommand bencode-marshals cmd and prepends the cookie, giving a
// "<cookie><space><payload>" wire frame.
func EncodeCommand(cookie string, cmd *InspectCommand) ([]byte, error) {
	data, err := bencode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("satip: encoding inspect command: %w", err)
	}
	return append([]byte(cookie+" "), data...), nil
}

// DecodeCommand parses the cookie-framed payload with stefanovazzocell/bencode
// plus mapstructure, validating that the framed cookie matches cookie.
func DecodeCommand(cookie string, raw []byte) (*InspectCommand, error) {
	cmd := &InspectCommand{}
	i := bytes.IndexByte(raw, ' ')
	if i != len(cookie) {
		return nil, fmt.Errorf("satip: malformed inspect command framing")
	}
	if string(raw[:i]) != cookie {
		return nil, fmt.Errorf("satip: inspect command cookie mismatch")
	}
	dict, err := ben.NewParserFromString(string(raw[i+1:])).AsDict()
	if err != nil {
		return nil, fmt.Errorf("satip: decoding inspect command: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  cmd,
		TagName: "json",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(dict); err != nil {
		return nil, fmt.Errorf("satip: mapping inspect command: %w", err)
	}
	return cmd, nil
}

// EncodeResponse mirrors EncodeCommand, used server-side to frame a reply.
func EncodeResponse(cookie string, resp *InspectResponse) ([]byte, error) {
	data, err := bencode.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("satip: encoding inspect response: %w", err)
	}
	return append([]byte(cookie+" "), data...), nil
}

// DecodeResponse mirrors DecodeCommand, used client-side to parse a reply.
func DecodeResponse(cookie string, raw []byte) (*InspectResponse, error) {
	resp := &InspectResponse{}
	i := bytes.IndexByte(raw, ' ')
	if i != len(cookie) {
		resp.Result = "error"
		resp.ErrorReason = "failed to parse the message"
		return resp, nil
	}
	if string(raw[:i]) != cookie {
		resp.Result = "error"
		resp.ErrorReason = "cookie mismatch"
		return resp, nil
	}
	dict, err := ben.NewParserFromString(string(raw[i+1:])).AsDict()
	if err != nil {
		return resp, fmt.Errorf("satip: decoding inspect response: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  resp,
		TagName: "json",
	})
	if err != nil {
		return resp, err
	}
	if err := decoder.Decode(dict); err != nil {
		return resp, fmt.Errorf("satip: mapping inspect response: %w", err)
	}
	return resp, nil
}

// InspectorServer answers introspection queries about a registry and a set
// of live engines over net.Conn connections, without persisting anything
// (explicitly not the persistent storage the Non-goals exclude).
type InspectorServer struct {
	registry *ServerRegistry
	status   func(deviceID int) (*TunerStatusView, bool)
	log      zerolog.Logger
}

// NewInspectorServer builds a server answering from registry, using
// statusFn to look up one engine's live TunerStatusView by device id.
func NewInspectorServer(registry *ServerRegistry, statusFn func(deviceID int) (*TunerStatusView, bool), log zerolog.Logger) *InspectorServer {
	return &InspectorServer{
		registry: registry,
		status:   statusFn,
		log:      log.With().Str("component", "inspector-server").Logger(),
	}
}

// Serve handles one already-accepted connection: read one cookie-framed
// command line, answer it, write one cookie-framed response line, close.
func (s *InspectorServer) Serve(conn net.Conn) error {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("satip: inspector read: %w", err)
	}
	line = bytes.TrimRight(line, "\n")

	i := bytes.IndexByte(line, ' ')
	if i < 0 {
		return fmt.Errorf("satip: inspector malformed request")
	}
	cookie := string(line[:i])

	cmd, err := DecodeCommand(cookie, line)
	if err != nil {
		s.log.Debug().Err(err).Msg("decode inspect command")
		resp, _ := EncodeResponse(cookie, &InspectResponse{Result: "error", ErrorReason: err.Error()})
		_, werr := conn.Write(append(resp, '\n'))
		return werr
	}

	resp := s.handle(cmd)
	out, err := EncodeResponse(cookie, resp)
	if err != nil {
		return fmt.Errorf("satip: encoding inspect response: %w", err)
	}
	_, err = conn.Write(append(out, '\n'))
	return err
}

func (s *InspectorServer) handle(cmd *InspectCommand) *InspectResponse {
	switch cmd.Command {
	case CommandPing:
		return &InspectResponse{Result: "ok"}
	case CommandListServers:
		return &InspectResponse{Result: "ok", Servers: s.registry.Listing()}
	case CommandTunerStatus:
		view, ok := s.status(cmd.DeviceID)
		if !ok {
			return &InspectResponse{Result: "error", ErrorReason: "unknown device id"}
		}
		return &InspectResponse{Result: "ok", Status: view}
	default:
		return &InspectResponse{Result: "error", ErrorReason: "unknown command"}
	}
}

// InspectorClient is the CLI-side counterpart: one request per Dial.
type InspectorClient struct {
	dialer func(ctx context.Context) (net.Conn, error)
}

// NewInspectorClient builds a client that dials network/address for every
// request rather than holding a live connection open.
func NewInspectorClient(network, address string) *InspectorClient {
	return &InspectorClient{
		dialer: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		},
	}
}

// Send issues cmd and returns the decoded response.
func (c *InspectorClient) Send(ctx context.Context, cmd *InspectCommand) (*InspectResponse, error) {
	conn, err := c.dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("satip: dialing inspector: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	cookie := uuid.NewString()
	payload, err := EncodeCommand(cookie, cmd)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("satip: writing inspector request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("satip: reading inspector response: %w", err)
	}
	return DecodeResponse(cookie, bytes.TrimRight(line, "\n"))
}
