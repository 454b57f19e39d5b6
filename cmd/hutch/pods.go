package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/cuemby/hutch/pkg/config"
)

const defaultAPIAddr = "127.0.0.1:9090"

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect nodes known to a controller",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		nodes, err := c.ListNodes(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tPHASE\tCONNECTED\tADDRESS\tLAST HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				n.Node.Name(), n.Phase, n.Connected, n.RemoteAddr, since(n.LastHeartbeat))
		}
		return w.Flush()
	},
}

// Pod commands
var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Manage pods through a controller",
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		pods, err := c.ListPods(cmd.Context(), node)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tNODE\tPHASE\tUPDATED\tERROR")
		for _, p := range pods {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Node, p.Phase, since(p.UpdatedAt), p.Error)
		}
		return w.Flush()
	},
}

var podCreateCmd = &cobra.Command{
	Use:   "create -f FILE",
	Short: "Run a pod manifest",
	Long: `Run a pod manifest on --node, on the node its spec.nodeName names, or on
the least loaded ready node.

Examples:
  hutch pod create -f web.yaml
  hutch pod create -f web.yaml --node node-2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		node, _ := cmd.Flags().GetString("node")

		pod, err := config.LoadPod(file)
		if err != nil {
			return err
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		record, err := c.CreatePod(cmd.Context(), node, pod)
		if err != nil {
			return fmt.Errorf("failed to create pod %s: %w", pod.Name(), err)
		}
		fmt.Printf("✓ Pod %s is %s on %s\n", record.Name, record.Phase, record.Node)
		return nil
	},
}

var podDeleteCmd = &cobra.Command{
	Use:   "delete NAME --node NODE",
	Short: "Delete a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeletePod(cmd.Context(), node, args[0]); err != nil {
			return fmt.Errorf("failed to delete pod %s: %w", args[0], err)
		}
		fmt.Printf("✓ Pod %s deleted from %s\n", args[0], node)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(podCmd)

	nodeCmd.PersistentFlags().String("api", defaultAPIAddr, "Controller admin API address")
	podCmd.PersistentFlags().String("api", defaultAPIAddr, "Controller admin API address")

	nodeCmd.AddCommand(nodeListCmd)
	podCmd.AddCommand(podListCmd)
	podCmd.AddCommand(podCreateCmd)
	podCmd.AddCommand(podDeleteCmd)

	podListCmd.Flags().String("node", "", "Only list pods of this node")

	podCreateCmd.Flags().StringP("file", "f", "", "Pod manifest (YAML)")
	podCreateCmd.Flags().String("node", "", "Node to run the pod on")
	_ = podCreateCmd.MarkFlagRequired("file")

	podDeleteCmd.Flags().String("node", "", "Node running the pod")
	_ = podDeleteCmd.MarkFlagRequired("node")
}

func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	return client.NewClient(addr)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
