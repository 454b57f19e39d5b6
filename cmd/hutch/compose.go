package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/compose"
	"github.com/cuemby/hutch/pkg/runtime"
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Run compose projects on this host",
	Long: `Run multi-service compose projects on this host.

The project name is -p, or the name of the working directory. Project state
lives under <state-root>/compose/<project>.`,
}

var composeUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create and start every service of a compose file",
	Long: `Create and start every service of a compose file.

Either every service starts or none is left running: when a service fails,
the containers already started are removed along with the project state.

Examples:
  # compose.yml or compose.yaml in the working directory
  hutch compose up

  hutch compose up -f deploy/stack.yml -p shop`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		return withCompose(cmd, func(ctx context.Context, mgr *compose.Manager) error {
			if err := mgr.Up(ctx, file); err != nil {
				return err
			}
			fmt.Printf("✓ Project %s is up\n", mgr.Project())
			return nil
		})
	},
}

var composeDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove the containers and state of a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCompose(cmd, func(ctx context.Context, mgr *compose.Manager) error {
			if err := mgr.Down(ctx); err != nil {
				return err
			}
			fmt.Printf("✓ Project %s removed\n", mgr.Project())
			return nil
		})
	},
}

var composePsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the containers of a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		return withCompose(cmd, func(ctx context.Context, mgr *compose.Manager) error {
			containers, err := mgr.Ps(ctx, file)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVICE\tIMAGE\tSTATUS\tCREATED")
			for _, c := range containers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.Name,
					c.Labels[runtime.LabelService],
					c.Image,
					c.Status,
					c.Created.Format(time.RFC3339),
				)
			}
			return w.Flush()
		})
	},
}

func init() {
	composeCmd.AddCommand(composeUpCmd)
	composeCmd.AddCommand(composeDownCmd)
	composeCmd.AddCommand(composePsCmd)

	composeCmd.PersistentFlags().StringP("project-name", "p", "", "Project name (default: working directory name)")
	addRuntimeFlags(composeCmd.PersistentFlags())

	composeUpCmd.Flags().StringP("file", "f", "", "Compose file (default compose.yml or compose.yaml)")
	composePsCmd.Flags().StringP("file", "f", "", "Compose file used to name a project that is not up")
}

// withCompose connects to the runtime and hands a project manager to fn
func withCompose(cmd *cobra.Command, fn func(context.Context, *compose.Manager) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	project, _ := cmd.Flags().GetString("project-name")

	rt, err := runtime.New(runtimeConfig(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	mgr, err := compose.NewManager(compose.Options{
		StateRoot: cfg.StateRoot,
		Project:   project,
		Runtime:   rt,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	return fn(ctx, mgr)
}
