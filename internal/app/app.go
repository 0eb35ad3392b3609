// Package app wires one node together: logging, the cluster
// coordinator, the matchmaking engine, the hub, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	server "github.com/manthankhawse/ctf-game-web"
	"github.com/manthankhawse/ctf-game-web/internal/cluster"
	"github.com/manthankhawse/ctf-game-web/internal/lobby"
	servernet "github.com/manthankhawse/ctf-game-web/internal/net"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
	"github.com/manthankhawse/ctf-game-web/logging"
	loggingSinks "github.com/manthankhawse/ctf-game-web/logging/sinks"
)

type Config struct {
	Logger telemetry.Logger
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	router, err := buildRouter()
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	addr := envString("CTF_ADDR", ":8080")
	nodeID := envString("CTF_NODE_ID", "node-1")
	publicAddr := envString("CTF_PUBLIC_ADDR", "ws://localhost:8080/ws")

	clusterCfg := cluster.Config{
		NodeID:            nodeID,
		PublicAddr:        publicAddr,
		Peers:             envList("CTF_PEERS"),
		HeartbeatInterval: envDuration("CTF_HEARTBEAT_INTERVAL", 0, telemetryLogger),
	}

	hubCfg := server.DefaultConfig()
	if raw := os.Getenv("CTF_TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			hubCfg.TickRate = value
		} else {
			telemetryLogger.Printf("invalid CTF_TICK_RATE=%q", raw)
		}
	}

	// The coordinator reports room count as load; the hub does not exist
	// yet, so the closure binds late.
	var hub *server.Hub
	coord := cluster.New(clusterCfg, func() int {
		if hub == nil {
			return 0
		}
		return hub.RoomCount()
	}, telemetryLogger, router)

	engine := lobby.NewEngine(coord, telemetryLogger, router)
	hub = server.NewHub(engine, hubCfg, telemetryLogger, router)

	go coord.Run(ctx)

	handler := servernet.NewHTTPHandler(hub, coord, servernet.HTTPHandlerConfig{
		ClientDir: os.Getenv("CTF_CLIENT_DIR"),
	})

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			telemetryLogger.Printf("shutdown: %v", err)
		}
	}()

	telemetryLogger.Printf("node %s listening on %s", nodeID, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func buildRouter() (*logging.Router, error) {
	logConfig := logging.DefaultConfig()
	if raw := os.Getenv("LOG_SINKS"); raw != "" {
		logConfig.EnabledSinks = splitList(raw)
	}
	if path := os.Getenv("LOG_JSON_PATH"); path != "" {
		logConfig.JSON.FilePath = path
	}

	sinks := []logging.NamedSink{
		{Name: logging.SinkConsole, Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	if logConfig.HasSink(logging.SinkJSON) && logConfig.JSON.FilePath != "" {
		jsonSink, err := loggingSinks.NewJSONSink(logConfig.JSON)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, logging.NamedSink{Name: logging.SinkJSON, Sink: jsonSink})
	}

	return logging.NewRouter(logConfig, logging.SystemClock{}, sinks)
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envList(key string) []string {
	return splitList(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration, logger telemetry.Logger) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Printf("invalid %s=%q: %v", key, raw, err)
		return fallback
	}
	return value
}
