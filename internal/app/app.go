package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/inkroom/server/internal/controller"
	"github.com/inkroom/server/internal/repository/connection/inmemory"
	"github.com/inkroom/server/internal/repository/room/redis"
	"github.com/inkroom/server/internal/service/room"
	"github.com/inkroom/server/pkg/ctxlogger"
	"github.com/inkroom/server/pkg/randstr"
	"github.com/inkroom/server/pkg/redisclient"
)

const (
	roomIDLetters   = "abcdefghijklmnopqrstuvwxyz0123456789"
	mirrorQueueSize = 4096
	shutdownTimeout = 30 * time.Second
)

type AppConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	LogLevel       string        `json:"log_level"`
	SendQueueSize  int           `json:"send_queue_size"`
	MaxMessageSize int64         `json:"max_message_size"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RedisHost      string        `json:"redis_host"`
	RedisPort      int           `json:"redis_port"`
	RedisPassword  string        `json:"-"`
	RoomTTL        time.Duration `json:"room_ttl"`
}

func (cfg *AppConfig) Validate() error {
	var errs []error
	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 0 and 65535"))
	}
	if cfg.SendQueueSize < 1 {
		errs = append(errs, fmt.Errorf("send queue size must be greater than 0"))
	}
	if cfg.MaxMessageSize < 1 {
		errs = append(errs, fmt.Errorf("max message size must be greater than 0"))
	}
	if cfg.RedisHost != "" && (cfg.RedisPort < 1 || cfg.RedisPort > 65535) {
		errs = append(errs, fmt.Errorf("redis port must be between 1 and 65535"))
	}
	if cfg.RedisHost != "" && cfg.RoomTTL <= 0 {
		errs = append(errs, fmt.Errorf("room ttl must be positive"))
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLogLevel(level string) (slog.Level, error) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return logLevel, fmt.Errorf("invalid log level %q", level)
	}

	return logLevel, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		}),
	}

	return slog.New(&h)
}

type server struct {
	handler http.Handler
	mirror  *redis.Mirror
	rc      *goredis.Client
}

func (s *server) Close() error {
	if s.rc != nil {
		return s.rc.Close()
	}

	return nil
}

func newServer(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (*server, error) {
	s := &server{}

	if cfg.RedisHost != "" {
		rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}

		s.rc = rc
		s.mirror = redis.NewMirror(redis.NewRepo(rc, cfg.RoomTTL, logger), mirrorQueueSize, logger)
	} else {
		logger.InfoContext(ctx, "redis host not configured, presence mirror disabled")
	}

	connectionRepo := inmemory.NewRepo(logger)
	var mirror interface {
		AddMember(string, string)
		RemoveMember(string, string)
		DeleteRoom(string)
	}
	if s.mirror != nil {
		mirror = s.mirror
	}
	roomService := room.NewService(connectionRepo, mirror, randstr.New([]byte(roomIDLetters)), logger)
	if s.mirror != nil {
		s.mirror.SetSource(roomService.Snapshot)
	}

	s.handler = controller.NewController(roomService, connectionRepo, controller.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
	}, logger).GetMux()

	return s, nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel, _ := parseLogLevel(cfg.LogLevel)
	logger := newLogger(os.Stdout, logLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.mirror != nil {
		g.Go(func() error {
			return s.mirror.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.InfoContext(gctx, "starting server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		return nil
	})

	return g.Wait()
}
