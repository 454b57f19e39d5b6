package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/agent"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pod"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/transport"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long: `Run the node agent. The agent registers the node described by --node
with the controller at --controller, sends heartbeats, and creates or
deletes pods on the local container runtime when told to.

The agent reconnects forever and only stops on SIGINT or SIGTERM.

Examples:
  hutch agent --controller 10.0.0.1:7443 --node node.yaml --ca-file ca.crt
  hutch agent --config /etc/hutch/hutch.yaml --runtime docker`,
	RunE: runAgent,
}

func init() {
	flags := agentCmd.Flags()
	flags.String("controller", "", "Controller address (host:port)")
	flags.String("node", "", "Node descriptor file (YAML)")
	flags.Duration("heartbeat-interval", agent.DefaultHeartbeatInterval, "Interval between heartbeats")
	flags.Int64("max-message-size", 0, "Largest accepted protocol message in bytes")
	flags.String("metrics-addr", "", "Serve metrics and health on this address")
	addTLSFlags(flags)
	addRuntimeFlags(flags)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Agent.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	node, err := config.LoadNode(cfg.Agent.NodeFile)
	if err != nil {
		return err
	}
	logger := log.WithNode("agent", node.Name())

	tlsConf, err := security.ClientTLSConfig(tlsOptions(cfg), cfg.Agent.ControllerAddr)
	if err != nil {
		return fmt.Errorf("failed to configure TLS: %w", err)
	}

	rt, err := runtime.New(runtimeConfig(cfg))
	if err != nil {
		metrics.RegisterComponent("runtime", false, err.Error())
		return err
	}
	defer rt.Close()

	metrics.SetCriticalComponents("controller", "runtime")
	metrics.RegisterComponent("runtime", true, cfg.Runtime.Backend)

	a, err := agent.New(&agent.Config{
		ControllerAddr:    cfg.Agent.ControllerAddr,
		Node:              node,
		Dialer:            transport.NewQUICDialer(tlsConf),
		Pods:              pod.NewRunner(rt, node.Name()),
		MaxMessageSize:    cfg.MaxMessageSize,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if cfg.Agent.MetricsAddr != "" {
		errCh := serveHTTP(ctx, cfg.Agent.MetricsAddr, healthRouter())
		go func() {
			if err := <-errCh; err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	logger.Info().
		Str("controller", cfg.Agent.ControllerAddr).
		Str("runtime", cfg.Runtime.Backend).
		Msg("Agent starting")

	if err := a.RunForever(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Agent stopped")
	return nil
}
