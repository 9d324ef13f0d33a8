package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ploinky/internal/envconfig"
	"ploinky/internal/mcpaggregator"
	"ploinky/internal/obs"
	"ploinky/internal/router"
	"ploinky/internal/routing"
	"ploinky/internal/session"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Manage the router process",
}

var routerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := currentWorkspace()
		if err != nil {
			return err
		}
		table, err := routing.Load(ws.RoutingTableFile())
		if err != nil {
			return err
		}

		var endpoints []mcpaggregator.AgentEndpoint
		var staticAgents []router.StaticSource
		for name, route := range table.Routes {
			endpoints = append(endpoints, mcpaggregator.AgentEndpoint{Name: name, URL: "http://localhost:" + route.HostPort})
			if route.HostSourcePath != "" {
				staticAgents = append(staticAgents, router.StaticSource{Agent: name, HostPath: route.HostSourcePath})
			}
		}
		aggregator := mcpaggregator.New(endpoints, envconfig.Duration("PLOINKY_MCP_TIMEOUT", 30*time.Second))

		staticRoot := ""
		if table.Static != nil {
			staticRoot = table.Static.HostPath
		}

		srv := router.New(router.Config{
			Table:        table,
			Aggregator:   aggregator,
			BlobsRoot:    filepath.Join(ws.SharedDir(), "blobs"),
			StaticRoot:   staticRoot,
			StaticAgents: staticAgents,
		})

		port := envconfig.Int("PLOINKY_ROUTER_PORT", table.Port)
		if port == 0 {
			port = 8088
		}
		addr := envconfig.StringOr("PLOINKY_ROUTER_ADDR", "0.0.0.0") + ":" + strconv.Itoa(port)

		pidPath, err := session.WritePID(ws.RunningPIDDir())
		if err != nil {
			return err
		}
		defer func() { _ = session.RemovePIDFile(ws.RunningPIDDir()) }()

		httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			obs.L().Info("router listening", zap.String("addr", addr), zap.String("pidFile", pidPath))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	},
}

var routerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running router process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := currentWorkspace()
		if err != nil {
			return err
		}
		port := envconfig.Int("PLOINKY_ROUTER_PORT", 8088)

		pid, ok := session.ReadPID(ws.RunningPIDDir())
		if !ok {
			pid, ok = session.FindListenerPID(port)
		}
		if !ok {
			obs.L().Info("router stop: no running router found")
			return nil
		}
		if err := session.StopProcess(pid, 10*time.Second); err != nil {
			return err
		}
		return session.RemovePIDFile(ws.RunningPIDDir())
	},
}

func init() {
	routerCmd.AddCommand(routerStartCmd, routerStopCmd)
}
