package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"supportchat/config"
	"supportchat/internal/adapters/backend"
	"supportchat/internal/adapters/broker"
	"supportchat/internal/chat"
	"supportchat/internal/metrics"
	"supportchat/internal/models"
	"supportchat/internal/transport"
	"supportchat/internal/ui"
	"supportchat/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.RegisterClientFlags(pflag.CommandLine)
	logFile := pflag.String("log-file", "supportchat.log", "file the client logs to while the UI owns the terminal")
	pflag.Parse()

	f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatal().Err(err).Str("path", *logFile).Msg("Failed to open log file")
	}
	defer f.Close()
	logger.InitLoggerTo(f, cfg.LogLevel, cfg.LogFormat)
	l := logger.GetLogger()

	identity, err := cfg.Identity()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid identity")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := broker.NewDialer(broker.Options{
		Kind:      cfg.BrokerKind,
		URL:       cfg.BrokerURL,
		Heartbeat: cfg.Heartbeat,
	}, l)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure broker")
	}

	if mem, ok := dialer.(*broker.Memory); ok {
		demo, err := startDemoBackend(ctx, mem, cfg, &identity, l)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start demo backend")
		}
		defer demo.Close()
		cfg.APIBaseURL = demo.URL
	}

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, l)
		defer stopMetrics()
	}

	var registry *chat.Registry
	if cfg.SharedConnections {
		registry = chat.NewRegistry(dialer, transport.Options{ReconnectDelay: cfg.ReconnectDelay}, l)
		defer registry.Close()
	}

	widget, err := chat.NewWidget(func(id models.Identity) (*chat.Session, error) {
		client, err := backend.NewClient(cfg.APIBaseURL, id.Token, cfg.HTTPTimeout, l)
		if err != nil {
			return nil, err
		}
		return chat.NewSession(id, client, dialer, chat.Options{
			SupportID:        cfg.SupportID,
			PollInterval:     cfg.PollInterval,
			RosterInterval:   cfg.RosterInterval,
			ReconnectDelay:   cfg.ReconnectDelay,
			PendingTolerance: cfg.PendingTolerance,
			Registry:         registry,
		}, l)
	}, l)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create chat widget")
	}
	if err := widget.Mount(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to mount chat widget")
	}
	defer widget.Unmount()
	if err := widget.SetIdentity(&identity); err != nil {
		log.Fatal().Err(err).Msg("Failed to start chat session")
	}

	model := ui.New(widget.Session())
	defer model.Close()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Error().Err(err).Msg("Terminal UI exited with an error")
	}
	log.Info().Msg("Chat client stopped")
}

// serveMetrics exposes the client counters for scraping and returns a stop func.
func serveMetrics(addr string, l zerolog.Logger) func() {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		l.Error().Err(err).Msg("Failed to register metrics")
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Str("addr", addr).Msg("Metrics listener failed")
		}
	}()
	l.Info().Str("addr", addr).Msg("Serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
