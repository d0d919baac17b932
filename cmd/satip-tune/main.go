// Command satip-tune wires together the engine, registry, metrics and
// introspection RPC into a runnable process. It does not implement RTSP
// itself: Options/Setup/Play/etc. are logged rather than sent over the
// wire, since a real transport codec is an external collaborator this
// module never provides.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	satip "github.com/pilotlight/go-satip"
)

func main() {
	configPath := flag.String("config", "satip-tune.yaml", "path to the YAML configuration file")
	deviceID := flag.Int("device", 0, "device id this process tunes")
	metricsAddr := flag.String("metrics-addr", ":9131", "address to serve /metrics on")
	inspectAddr := flag.String("inspect-addr", "127.0.0.1:9132", "address to serve the introspection RPC on")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("loading configuration")
	}

	registry := satip.NewServerRegistry()
	registry.SetDisabledSources(cfg.DisabledSources)

	promReg := prometheus.NewRegistry()
	metrics := satip.NewTunerMetrics(promReg)

	consumer := &logConsumer{log: log.With().Int("device", *deviceID).Logger()}
	rtsp := &logRTSPConn{log: log.With().Int("device", *deviceID).Logger()}
	poller := satip.NewGoroutinePoller()

	engine, err := satip.NewEngine(*deviceID, cfg, registry, rtsp, poller, consumer, satip.WithLogger(log), satip.WithMetrics(metrics))
	if err != nil {
		log.Fatal().Err(err).Msg("constructing engine")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return engine.Run(ctx)
	})

	group.Go(func() error {
		return serveMetrics(ctx, *metricsAddr, promReg, log)
	})

	group.Go(func() error {
		return serveInspector(ctx, *inspectAddr, registry, engine, log)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("satip-tune exited with error")
	}
	_ = engine.Close()
}

func loadConfig(path string) (*satip.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg, decodeErr := satip.DecodeConfig(map[string]interface{}{})
			return cfg, decodeErr
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing yaml config: %w", err)
	}
	return satip.DecodeConfig(raw)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func serveInspector(ctx context.Context, addr string, registry *satip.ServerRegistry, engine *satip.Engine, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for inspector rpc: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	server := satip.NewInspectorServer(registry, func(id int) (*satip.TunerStatusView, bool) {
		if id != engine.DeviceID() {
			return nil, false
		}
		return engine.Status(), true
	}, log)

	log.Info().Str("addr", addr).Msg("serving introspection rpc")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting inspector connection: %w", err)
		}
		go func() {
			if err := server.Serve(conn); err != nil {
				log.Debug().Err(err).Msg("inspector connection closed")
			}
		}()
	}
}

// logRTSPConn and logConsumer are placeholder collaborators for this demo
// binary: a real deployment supplies its own RTSP transport codec and
// transport-stream sink.
type logRTSPConn struct {
	log       zerolog.Logger
	session   string
	localAddr string
}

func (c *logRTSPConn) Options(ctx context.Context, url string) error {
	c.log.Debug().Str("url", url).Msg("OPTIONS")
	return nil
}

func (c *logRTSPConn) Setup(ctx context.Context, url string, transport string) error {
	c.log.Info().Str("url", url).Str("transport", transport).Msg("SETUP")
	return nil
}

func (c *logRTSPConn) Play(ctx context.Context, url string) error {
	c.log.Info().Str("url", url).Msg("PLAY")
	return nil
}

func (c *logRTSPConn) Describe(ctx context.Context, url string) (string, error) {
	c.log.Debug().Str("url", url).Msg("DESCRIBE")
	return "", nil
}

func (c *logRTSPConn) Teardown(ctx context.Context, url string) error {
	c.log.Info().Str("url", url).Msg("TEARDOWN")
	return nil
}

func (c *logRTSPConn) Receive(ctx context.Context) ([]byte, error) {
	return nil, nil
}

func (c *logRTSPConn) SetInterface(localAddr string) error {
	c.localAddr = localAddr
	return nil
}

func (c *logRTSPConn) SetSession(sessionID string) { c.session = sessionID }
func (c *logRTSPConn) Session() string             { return c.session }
func (c *logRTSPConn) Destroy() error              { c.session = ""; return nil }
func (c *logRTSPConn) Reset() error                { c.session = ""; return nil }
func (c *logRTSPConn) ActiveMode() bool            { return true }
func (c *logRTSPConn) StreamID() int               { return 0 }
func (c *logRTSPConn) RtspUnescape(s string) string {
	return s
}

type logConsumer struct {
	log zerolog.Logger
}

func (c *logConsumer) WriteData(data []byte)         {}
func (c *logConsumer) IsIdle() bool                  { return false }
func (c *logConsumer) SetChannelTuned()              { c.log.Info().Msg("channel tuned") }
func (c *logConsumer) GetPmtPid() int                { return 0 }
func (c *logConsumer) GetCISlot() int                { return 0 }
func (c *logConsumer) GetTnrParameterString() string { return "" }
