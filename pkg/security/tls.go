package security

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/cuemby/hutch/pkg/log"
)

// TLSOptions selects the material used to secure agent/controller sessions
type TLSOptions struct {
	// CAFile is a PEM bundle used to verify the peer
	CAFile string
	// CertFile and KeyFile hold this side's certificate. Required on the
	// controller, optional on the agent (mutual TLS when set).
	CertFile string
	KeyFile  string
	// ServerName is checked against the controller certificate
	ServerName string
	// InsecureSkipVerify disables peer verification. Development only.
	InsecureSkipVerify bool
	// NextProtos is the ALPN list negotiated by the transport
	NextProtos []string
}

// ClientTLSConfig builds the agent side configuration. The controller
// certificate is verified against CAFile unless InsecureSkipVerify is set.
func ClientTLSConfig(opts TLSOptions, controllerAddr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: opts.NextProtos,
		ServerName: opts.ServerName,
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(controllerAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid controller address %q: %w", controllerAddr, err)
		}
		cfg.ServerName = host
	}

	switch {
	case opts.InsecureSkipVerify:
		log.Logger.Warn().Msg("TLS verification of the controller is disabled")
		cfg.InsecureSkipVerify = true
	case opts.CAFile != "":
		pool, err := LoadCertPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	default:
		// System roots.
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := LoadKeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		if CertNeedsRotation(cert.Leaf) {
			log.Logger.Warn().
				Time("not_after", cert.Leaf.NotAfter).
				Msg("Client certificate expires soon")
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}

	return cfg, nil
}

// ServerTLSConfig builds the controller side configuration. When CAFile is
// set, agents must present a certificate signed by it.
func ServerTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := LoadKeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   opts.NextProtos,
	}

	if opts.CAFile != "" {
		pool, err := LoadCertPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert

		log.Logger.Info().
			Str("ca_cert", opts.CAFile).
			Msg("mTLS client authentication enabled")
	}

	return cfg, nil
}
