package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"livecam/native/internal/api"
	"livecam/native/internal/config"
	"livecam/native/internal/domain"
	"livecam/native/internal/heartbeat"
	"livecam/native/internal/logger"
	"livecam/native/internal/metrics"
	"livecam/native/internal/playback"
	"livecam/native/internal/server"
	"livecam/native/internal/stats"
	"livecam/native/internal/viewer"
	"livecam/native/internal/webrtc"
	"livecam/native/internal/whep"
)

const helpText = `livecam - Watch a live camera over WHEP and write its H264 stream to stdout

Usage:
  livecam [options]

The raw H264 stream is written to stdout. Pipe to ffplay or ffmpeg for
playback or recording. Logs go to stderr.

Environment Variables (all optional, also read from .env):
  LIVECAM_BASE_URL            Camera server (default https://live-camera.traysonkelii.com)
  LIVECAM_STREAM_PATH         Stream path under the server (default cam)
  LIVECAM_STUN_URL            STUN server for ICE gathering
  LIVECAM_HEARTBEAT_INTERVAL  Probe cadence, e.g. 2s (default 2s)
  LIVECAM_STATS_INTERVAL      Metadata polling cadence, 0 disables (default 2s)
  LIVECAM_NEGOTIATE_TIMEOUT   Limit for one WHEP exchange (default 15s)
  LIVECAM_AUTOSTART           Connect as soon as the camera answers (default true)
  LIVECAM_CONTROL_ADDR        Control server address, "off" disables (default 127.0.0.1:8089)
  LIVECAM_LOG_LEVEL           trace, debug, info, warn or error (default info)

Control server:
  GET  /state     Current availability state
  POST /start     Start watching when the camera is ready
  POST /retry     Reconnect after an error
  GET  /stats     Latest capture metadata
  GET  /events    WebSocket feed of state transitions
  GET  /metrics   Prometheus metrics

Examples:
  # Live playback
  livecam | ffplay -f h264 -

  # Record to MP4
  livecam | ffmpeg -f h264 -i - -c copy output.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info")
		log.Fatal().Str("module", "main").Err(err).Msg("load config")
	}
	logger.Setup(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	client := api.NewClient(cfg.BaseURL, nil)

	prober := heartbeat.New(client, cfg.HeartbeatInterval,
		heartbeat.WithMetrics(m),
		heartbeat.WithTimeout(cfg.HeartbeatInterval),
	)

	var poller *stats.Poller
	if cfg.StatsInterval > 0 {
		poller = stats.NewPoller(client, cfg.StatsInterval, nil, m)
		log.Info().Str("module", "main").
			Str("metadata", cfg.MetadataURL()).
			Dur("interval", cfg.StatsInterval).
			Msg("polling capture metadata")
	}

	pionLogs := &logger.PionFactory{Level: logger.ParseLevel(cfg.LogLevel)}
	newPeer := func() (domain.Transport, error) {
		return webrtc.NewPeer(webrtc.Options{
			ICEServers:    []string{cfg.STUNURL},
			LoggerFactory: pionLogs,
		})
	}
	negotiator := whep.New(cfg.WHEPURL(), newPeer, whep.WithMetrics(m))

	opts := viewer.Options{
		Negotiator:       negotiator,
		Heartbeat:        prober,
		Surface:          playback.NewH264Surface(os.Stdout),
		Metrics:          m,
		NegotiateTimeout: cfg.NegotiateTimeout,
		AutoStart:        cfg.AutoStart,
	}
	if poller != nil {
		opts.Stats = poller
	}
	v := viewer.New(opts)

	log.Info().Str("module", "main").
		Str("heartbeat", cfg.HeartbeatURL()).
		Str("whep", cfg.WHEPURL()).
		Bool("autostart", cfg.AutoStart).
		Msg("starting viewer")
	if err := v.Start(); err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("start viewer")
	}

	serverDone := make(chan struct{})
	if cfg.ControlAddr != "" {
		var src server.StatsSource
		if poller != nil {
			src = poller
		}
		srv := server.New(v, src, m)
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx, cfg.ControlAddr); err != nil {
				log.Error().Str("module", "main").Err(err).Msg("control server")
			}
		}()
	} else {
		close(serverDone)
	}

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("shutting down")

	v.Dispose()
	<-serverDone

	log.Info().Str("module", "main").Msg("done")
}
