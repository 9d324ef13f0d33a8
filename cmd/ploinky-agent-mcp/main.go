// Command ploinky-agent-mcp is the long-lived per-agent MCP server
// (§4.J): it loads the declarative tool/resource/prompt configuration,
// serves JSON-RPC over HTTP, and owns the persistent async task queue
// (§4.K). One instance runs as the main or sidecar process inside every
// agent container.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ploinky/internal/envconfig"
	"ploinky/internal/mcpserver"
	"ploinky/internal/obs"
	"ploinky/internal/taskqueue"
)

func main() {
	logger := obs.Init("ploinky-agent-mcp", envconfig.Bool("PLOINKY_JSON_LOGS", true))
	defer obs.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := envconfig.StringOr("AGENT_NAME", "agent")
	cfg, err := mcpserver.LoadConfig(envconfig.StringOr("PLOINKY_MCP_CONFIG_PATH", ""))
	if err != nil {
		logger.Fatal("load mcp config", zap.Error(err))
	}

	storagePath := envconfig.StringOr("PLOINKY_TASK_QUEUE_PATH", "/tmp/ploinky/tasks.json")
	maxConcurrent := envconfig.Int("PLOINKY_TASK_MAX_CONCURRENT", 10)
	queue := taskqueue.New(maxConcurrent, storagePath, mcpserver.TaskExecutor)
	if err := queue.Initialize(ctx); err != nil {
		logger.Fatal("initialize task queue", zap.Error(err))
	}

	srv := mcpserver.New(name, envconfig.StringOr("PLOINKY_AGENT_VERSION", "0.1.0"), cfg, queue)

	r := chi.NewRouter()
	r.Mount("/", srv.Router())

	port := envconfig.Int("PLOINKY_AGENT_SERVICE_PORT", 7000)
	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent mcp server listening", zap.String("agent", name), zap.Int("port", port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("agent mcp server failed", zap.Error(err))
		}
	}
}
