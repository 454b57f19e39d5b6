/*
Package metrics provides Prometheus metrics and health endpoints for hutch.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler on the /metrics path of the agent and
controller HTTP servers.

# Metric Categories

Agent:
  - hutch_agent_state: connection state (0 disconnected, 1 connecting,
    2 registering, 3 operational)
  - hutch_agent_connect_attempts_total
  - hutch_heartbeats_total{result}
  - hutch_commands_total{kind,result}
  - hutch_command_duration_seconds{kind}

Controller:
  - hutch_nodes_total{phase}
  - hutch_pods_total{phase}
  - hutch_api_requests_total{method,status}
  - hutch_api_request_duration_seconds{method}

Compose:
  - hutch_compose_operations_total{operation,result}
  - hutch_compose_duration_seconds{operation}

The controller gauges are refreshed from its store by a Collector.

# Timing Operations

	timer := metrics.NewTimer()
	err := handle(msg)
	timer.ObserveDurationVec(metrics.CommandDuration, msg.Kind.String())
	metrics.CommandsTotal.WithLabelValues(msg.Kind.String(), metrics.Result(err)).Inc()

# Health

Components report their state with RegisterComponent and UpdateComponent.
HealthHandler reports unhealthy when any component is unhealthy,
ReadyHandler waits for the components named by SetCriticalComponents, and
LivenessHandler answers as long as the process runs.
*/
package metrics
