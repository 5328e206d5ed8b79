package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/app"
	"github.com/ppiankov/govgate/internal/logging"
	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	serveGRPCAddr string
	serveOpsAddr  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveOpsAddr, "ops-addr", "", "Ops HTTP listen address for /healthz and /metrics (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance gRPC server",
	Long: "Runs govgate as a central governance server over gRPC.\n" +
		"Workflows connect as clients for gate evaluation and change management.\n" +
		"Policy and catalog files are hot-reloaded on change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveGRPCAddr != "" {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}
	if serveOpsAddr != "" {
		cfg.Server.OpsAddr = serveOpsAddr
	}

	log, err := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer a.Close()

	srv := server.New(a)

	reloader, err := server.NewReloader(srv.AppReloaders(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down governance server...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "govgate server listening on %s\n", cfg.Server.GRPCAddr)
	if cfg.Server.OpsAddr != "" {
		fmt.Fprintf(os.Stderr, "Ops endpoints on http://%s\n", cfg.Server.OpsAddr)
	}
	fmt.Fprintf(os.Stderr, "Storage: %s\n", cfg.Storage.Driver)

	return srv.Serve(ctx)
}
