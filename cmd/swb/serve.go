package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/engine"
	"switchboard/internal/logging"
	"switchboard/internal/metrics"
	"switchboard/internal/module"
	"switchboard/internal/supervisor"
	"switchboard/internal/swbconfig"
	"switchboard/internal/wsserver"
)

const shutdownGrace = 5 * time.Second

var serveFlags struct {
	configPath  string
	port        int
	metricsPort int
	logLevel    string
	logFile     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load a config file and run the engine, ws server and supervisor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.configPath, "config", "c", "", "path to config.json (required)")
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "ws server port (0 = use config, or an OS-allocated free port)")
	serveCmd.Flags().IntVar(&serveFlags.metricsPort, "metrics-port", 0, "Prometheus metrics port (0 = disabled)")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "info", "log level: error, warn, info, debug")
	serveCmd.Flags().StringVar(&serveFlags.logFile, "log-file", "", "optional log file path, in addition to stdout")
	serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := swbconfig.Load(serveFlags.configPath)
	if err != nil {
		return fatalf("loading config: %v", err)
	}

	gelfAddress, _ := cfg.Document().Logging["gelf_address"].(string)
	log, err := logging.New(serveFlags.logLevel, serveFlags.logFile, gelfAddress)
	if err != nil {
		return fatalf("setting up logging: %v", err)
	}

	listener, actualPort, err := bindWSPort(cfg)
	if err != nil {
		return fatalf("binding ws server port: %v", err)
	}
	if err := cfg.SetWSPort(actualPort); err != nil {
		return fatalf("persisting ws port: %v", err)
	}

	eng := engine.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := hydrateClients(ctx, eng, cfg); err != nil {
		return fatalf("%v", err)
	}
	if err := hydrateModules(eng, cfg); err != nil {
		return fatalf("%v", err)
	}
	eng.SetRunning(cfg.Document().Running)

	sup := supervisor.New(eng, actualPort, log)

	cmdCtx := &wsserver.CommandContext{Engine: eng, Supervisor: sup, Config: cfg}
	commands := wsserver.BuildCommands(ctx, cmdCtx)
	srv := wsserver.NewServer(eng, cfg, commands, log)

	mux := http.NewServeMux()
	srv.Routes(mux)
	httpServer := &http.Server{Handler: mux}

	var m *metrics.Metrics
	var metricsServer *http.Server
	if serveFlags.metricsPort > 0 {
		m = metrics.New()
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", serveFlags.metricsPort), Handler: metricsMux}
	}

	hubStop := make(chan struct{})
	srv.Run(hubStop)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ws server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	tickInterval := parseTickInterval(cfg.Document().PollPeriod)
	log.WithField("port", actualPort).Info("switchboard serving")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			_ = httpServer.Shutdown(shutdownCtx)
			if metricsServer != nil {
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			cancel()
			close(hubStop)
			sup.KillAll()
			return g.Wait()

		case <-ticker.C:
			start := time.Now()
			ev := eng.Tick(ctx)
			srv.BroadcastTick(ev)
			if m != nil {
				m.ObserveTick(time.Since(start).Seconds())
				m.RefreshEngineGauges(eng)
				m.SetWSSubscribers("iodata", srv.IODataSubscriberCount())
				m.SetWSSubscribers("ctrl", srv.CtrlSubscriberCount())
			}
		}
	}
}

// bindWSPort binds the ws server's listener: an explicit -p flag wins,
// then the port already recorded in config, then an OS-allocated free
// port (spec §6's "or a free OS-allocated port if absent").
func bindWSPort(cfg *swbconfig.Store) (net.Listener, int, error) {
	port := serveFlags.port
	if port == 0 {
		port = cfg.Document().WSPort
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, 0, err
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// hydrateClients restores every client recorded in the config document,
// mirroring engine.py's init_clients: any failure here is Fatal (spec §7)
// and aborts startup entirely.
func hydrateClients(ctx context.Context, eng *engine.Engine, cfg *swbconfig.Store) error {
	for alias, entry := range cfg.Document().Clients {
		var pollPeriod *float64
		if entry.PollPeriod != "" {
			v, err := strconv.ParseFloat(entry.PollPeriod, 64)
			if err != nil {
				return fmt.Errorf("client %q: invalid poll_period %q: %w", alias, entry.PollPeriod, err)
			}
			pollPeriod = &v
		}
		if err := eng.AddClient(ctx, alias, entry.URL, pollPeriod); err != nil {
			return fmt.Errorf("restoring client %q (%s): %w", alias, entry.URL, err)
		}
	}
	return nil
}

// hydrateModules restores every module recorded in the config document,
// mirroring engine.py's init_modules: an unregistered module reference is
// Fatal (spec §7).
func hydrateModules(eng *engine.Engine, cfg *swbconfig.Store) error {
	for ref, state := range cfg.Document().Modules {
		desc, ok := module.Lookup(ref)
		if !ok {
			return fmt.Errorf("unknown module reference %q", ref)
		}
		if err := eng.UpsertModule(desc); err != nil {
			return fmt.Errorf("restoring module %q: %w", ref, err)
		}
		if state == "enabled" {
			if err := eng.EnableModule(ref); err != nil {
				return fmt.Errorf("enabling module %q: %w", ref, err)
			}
		}
	}
	return nil
}

// parseTickInterval converts the poll_period config string (seconds, as a
// float) into a tick interval; swbconfig.Load already rejects anything
// <= 0.1, so a parse failure here cannot happen for a validated store.
func parseTickInterval(pollPeriod string) time.Duration {
	seconds, err := strconv.ParseFloat(pollPeriod, 64)
	if err != nil || seconds <= 0 {
		seconds = 1.0
	}
	return time.Duration(seconds * float64(time.Second))
}
