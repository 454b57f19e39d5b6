package main

import (
	"github.com/spf13/pflag"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/security"
)

func addTLSFlags(flags *pflag.FlagSet) {
	flags.String("ca-file", "", "CA bundle used to verify the peer")
	flags.String("cert-file", "", "Certificate of this process")
	flags.String("key-file", "", "Private key of this process")
	flags.String("server-name", "", "Expected controller certificate name (agent)")
	flags.Bool("insecure-skip-verify", false, "Skip controller certificate verification (development only)")
}

func addRuntimeFlags(flags *pflag.FlagSet) {
	flags.String("runtime", runtime.BackendContainerd, "Container runtime (containerd, docker)")
	flags.String("runtime-socket", "", "Runtime socket path (default per runtime)")
	flags.String("runtime-namespace", "", "containerd namespace")
}

func tlsOptions(cfg *config.Config) security.TLSOptions {
	return security.TLSOptions{
		CAFile:             cfg.TLS.CAFile,
		CertFile:           cfg.TLS.CertFile,
		KeyFile:            cfg.TLS.KeyFile,
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
}

func runtimeConfig(cfg *config.Config) runtime.Config {
	return runtime.Config{
		Backend:   cfg.Runtime.Backend,
		Socket:    cfg.Runtime.Socket,
		Namespace: cfg.Runtime.Namespace,
	}
}
