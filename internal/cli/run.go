package cli

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyparview/hyparview/internal/api"
	"github.com/hyparview/hyparview/internal/audit"
	"github.com/hyparview/hyparview/internal/daemon"
	"github.com/hyparview/hyparview/internal/dispatch"
	"github.com/hyparview/hyparview/internal/logging"
	"github.com/hyparview/hyparview/internal/membership"
	"github.com/hyparview/hyparview/internal/observability"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/transport/tcp"
	"github.com/hyparview/hyparview/internal/view"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("debug-addr", "", "bind address for the /debug and /metrics HTTP surface (disabled if empty)")
	runCmd.Flags().Bool("metrics", false, "expose Prometheus /metrics on --debug-addr")
	runCmd.Flags().String("audit-db", "", "path to a SQLite audit log of membership events (disabled if empty)")
}

var runCmd = &cobra.Command{
	Use:   "run CONFIG_FILE",
	Short: "Run a HyParView overlay node",
	Long: `Run starts a single overlay node from the given configuration file
(see the 7-line format documented in internal/daemon) and blocks until
SIGINT or SIGTERM triggers a graceful shutdown.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := args[0]
	debugAddr, _ := cmd.Flags().GetString("debug-addr")
	metricsEnabled, _ := cmd.Flags().GetBool("metrics")
	auditDBPath, _ := cmd.Flags().GetString("audit-db")

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := logging.New("hyparviewd")
	log.Info("event", "starting", "self", cfg.SelfID.String(), "contacts", len(cfg.ContactNodes))

	obs := observability.New(observability.DefaultTracerConfig())

	var auditRecorder membership.AuditRecorder
	if auditDBPath != "" {
		db, err := audit.Open(auditDBPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()
		auditRecorder = db
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	store := view.New[transport.Conn](cfg.SelfID, cfg.ActiveViewSize, cfg.PassiveViewSize, rng)

	shufflePeriod := time.Duration(cfg.ShufflePeriodSeconds) * time.Second
	d := dispatch.New(log, shufflePeriod, shufflePeriod)

	tr := tcp.New(cfg.SelfID, cfg.SelfID.Addr().String(), d)

	engine := membership.New(cfg, store, tr, rng, log, obs, auditRecorder)
	d.SetEngine(engine)

	ln, err := tr.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	go acceptLoop(ctx, ln, log)

	var debugServer *http.Server
	if debugAddr != "" {
		srv := api.NewServer(cfg.SelfID, engine, obs.Tracer)
		if metricsEnabled {
			srv.EnableMetrics()
		}
		debugServer = &http.Server{Addr: debugAddr, Handler: srv.Handler()}
		go func() {
			log.Info("event", "debug_listen", "addr", debugAddr)
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("event", "debug_listen_failed", "err", err)
			}
		}()
	}

	d.Run(ctx)

	if debugServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		debugServer.Shutdown(shutdownCtx)
	}

	log.Info("event", "stopped")
	return nil
}

// acceptLoop accepts inbound connections until ctx is cancelled. Each
// accepted connection's reader/writer goroutines (started inside tcp.conn)
// deliver events to the dispatcher's EventSink methods directly; there is
// nothing further to do with the accepted transport.Conn here — the
// engine learns the peer's identity from the first decoded frame.
func acceptLoop(ctx context.Context, ln transport.Listener, log *logging.Logger) {
	for {
		_, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("event", "accept_failed", "err", err)
			continue
		}
	}
}
