package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/controller"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller",
	Long: `Run the controller. Node agents connect to --listen over QUIC and
register; pods given with --pod are sent to their spec.nodeName whenever
that node registers. Node and pod records are kept in --data-dir.

The admin API, metrics and health endpoints are served on --metrics-addr.

Examples:
  hutch controller --cert-file controller.crt --key-file controller.key --ca-file ca.crt
  hutch controller --config /etc/hutch/hutch.yaml --pod web.yaml --pod db.yaml`,
	RunE: runController,
}

func init() {
	flags := controllerCmd.Flags()
	flags.String("listen", "", "Address agents connect to (default 0.0.0.0:7443)")
	flags.String("data-dir", "", "Directory of the controller database")
	flags.StringSlice("pod", nil, "Pod manifest to dispatch (repeatable)")
	flags.Duration("heartbeat-timeout", controller.DefaultHeartbeatTimeout, "Silence after which a node is marked down")
	flags.Duration("command-timeout", controller.DefaultCommandTimeout, "Wait for the reply to one pod command")
	flags.Int64("max-message-size", 0, "Largest accepted protocol message in bytes")
	flags.String("metrics-addr", "127.0.0.1:9090", "Serve the admin API, metrics and health on this address")
	addTLSFlags(flags)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") || cfg.Controller.MetricsAddr == "" {
		cfg.Controller.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if err := cfg.ValidateController(); err != nil {
		return err
	}
	logger := log.WithComponent("controller")

	pods := make([]*types.PodTask, 0, len(cfg.Controller.Pods))
	for _, path := range cfg.Controller.Pods {
		p, err := config.LoadPod(path)
		if err != nil {
			return err
		}
		pods = append(pods, p)
	}

	metrics.SetCriticalComponents("store", "transport")

	store, err := storage.NewBoltStore(cfg.Controller.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, cfg.Controller.DataDir)

	tlsConf, err := security.ServerTLSConfig(tlsOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to configure TLS: %w", err)
	}
	ln, err := transport.ListenQUIC(cfg.Controller.ListenAddr, tlsConf)
	if err != nil {
		metrics.RegisterComponent("transport", false, err.Error())
		return err
	}
	defer ln.Close()
	metrics.RegisterComponent("transport", true, ln.Addr().String())

	srv, err := controller.New(&controller.Config{
		Listener:         ln,
		Store:            store,
		Pods:             pods,
		MaxMessageSize:   cfg.MaxMessageSize,
		HeartbeatTimeout: cfg.Controller.HeartbeatTimeout,
		CommandTimeout:   cfg.Controller.CommandTimeout,
	})
	if err != nil {
		return err
	}
	defer srv.Broker().Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signalContext()
	defer stop()

	events := srv.Broker().Subscribe()
	defer srv.Broker().Unsubscribe(events)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				logger.Info().
					Str("event", string(ev.Type)).
					Interface("metadata", ev.Metadata).
					Msg(ev.Message)
			}
		}
	}()

	httpErr := serveHTTP(ctx, cfg.Controller.MetricsAddr, srv.Router())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case err := <-httpErr:
		stop()
		<-serveErr
		return fmt.Errorf("admin API server: %w", err)
	case err := <-serveErr:
		if err != nil {
			metrics.UpdateComponent("transport", false, err.Error())
			return err
		}
	}

	logger.Info().Msg("Controller stopped")
	return nil
}
