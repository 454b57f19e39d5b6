package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/security"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage development certificates",
	// Needs no configuration; --node here names certificates, not a descriptor
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOut})
		return nil
	},
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a CA with controller and node certificates",
	Long: `Create a certificate authority and issue a controller certificate and
one certificate per node, for development clusters.

An existing CA in --dir is reused, so more nodes can be added later.

Examples:
  hutch certs init --dir ./certs --controller-host 10.0.0.1 --node node-1 --node node-2`,
	Args: cobra.NoArgs,
	RunE: runCertsInit,
}

func init() {
	certsCmd.AddCommand(certsInitCmd)

	certsInitCmd.Flags().String("dir", "./certs", "Output directory")
	certsInitCmd.Flags().StringSlice("controller-host", []string{"localhost"}, "Host names or IPs agents use to reach the controller")
	certsInitCmd.Flags().StringSlice("node", nil, "Node name to issue a certificate for (repeatable)")
}

func runCertsInit(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	hosts, _ := cmd.Flags().GetStringSlice("controller-host")
	nodes, _ := cmd.Flags().GetStringSlice("node")

	ca := security.NewCertAuthority()
	if _, err := os.Stat(filepath.Join(dir, "ca.crt")); err == nil {
		if err := ca.Load(dir); err != nil {
			return fmt.Errorf("failed to load CA: %w", err)
		}
		fmt.Printf("✓ Using existing CA in %s\n", dir)
	} else {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("failed to create CA: %w", err)
		}
		if err := ca.Save(dir); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
		fmt.Printf("✓ CA created in %s\n", dir)
	}

	var dnsNames []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}

	cert, err := ca.IssueCertificate("controller", dnsNames, ips)
	if err != nil {
		return fmt.Errorf("failed to issue controller certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, dir, "controller"); err != nil {
		return err
	}
	fmt.Println("✓ Controller certificate: controller.crt, controller.key")

	for _, node := range nodes {
		cert, err := ca.IssueCertificate(node, []string{node}, nil)
		if err != nil {
			return fmt.Errorf("failed to issue certificate for %s: %w", node, err)
		}
		if err := security.SaveCertToFile(cert, dir, node); err != nil {
			return err
		}
		fmt.Printf("✓ Node certificate: %s.crt, %s.key\n", node, node)
	}

	return nil
}
