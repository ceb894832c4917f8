package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"supportchat/config"
	"supportchat/internal/adapters/broker"
	"supportchat/internal/db"
	"supportchat/internal/models"
	"supportchat/internal/notify"
	"supportchat/internal/server"
)

// demoBackend is an in-process backend used with the memory broker, so the
// client runs without RabbitMQ or a separate supportd.
type demoBackend struct {
	URL  string
	srv  *http.Server
	conn *sqlx.DB
}

func startDemoBackend(ctx context.Context, mem *broker.Memory, cfg *config.Config, identity *models.Identity, l zerolog.Logger) (*demoBackend, error) {
	conn, err := db.InitDB(ctx, db.DriverSQLite, ":memory:")
	if err != nil {
		return nil, err
	}
	if err := db.MigrateDB(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	if identity.Token == "" {
		identity.Token = fmt.Sprintf("demo-%d", identity.UserID)
	}
	users := []models.User{{ID: identity.UserID, Role: identity.Role, DisplayName: identity.DisplayName, Token: identity.Token}}
	if identity.UserID != cfg.SupportID {
		users = append(users, models.User{ID: cfg.SupportID, Role: models.RoleAgent, DisplayName: "Support", Token: fmt.Sprintf("demo-%d", cfg.SupportID)})
	}
	extra, err := server.ParseSeedUsers(cfg.Server.SeedUsers)
	if err != nil {
		conn.Close()
		return nil, err
	}
	repo := server.NewRepository(conn)
	if err := repo.Seed(ctx, append(users, extra...)); err != nil {
		conn.Close()
		return nil, err
	}

	handler, err := server.New(repo, notify.NewNotifier(notify.MemoryPublisher{Broker: mem}, l), nil, server.Options{}, l)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		conn.Close()
		return nil, err
	}

	d := &demoBackend{
		URL:  "http://" + ln.Addr().String(),
		srv:  &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		conn: conn,
	}
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Demo backend stopped")
		}
	}()
	l.Info().Str("url", d.URL).Int("users", len(users)+len(extra)).Msg("Demo backend started")
	return d, nil
}

func (d *demoBackend) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.srv.Shutdown(ctx)
	d.conn.Close()
}
