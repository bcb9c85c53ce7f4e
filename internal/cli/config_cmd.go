package cli

import (
	"encoding/json"
	"maps"
	"os"
	"runtime"
	"slices"

	"github.com/spf13/cobra"

	"scanalign/internal/align"
	"scanalign/internal/tasks"
)

// Version is overridden at build time with -ldflags "-X scanalign/internal/cli.Version=...".
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or check the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.printf("configuration ok\n")
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("SCANALIGN_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/scanalign/config.json"
	}
	r.printf("# config file: %s\n", cfgPath)
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(r.cfg)
}

func (r *Root) cmdVersion() {
	r.printf("scanalign %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Alignment processors:\n")
	configured, _ := align.ParsePrecision(r.cfg.Alignment.Precision)
	procs := tasks.NewAlignmentManager("").Processors()
	for _, name := range slices.Sorted(maps.Keys(procs)) {
		proc := procs[name]
		status := "unavailable"
		if proc.IsAvailable() {
			status = "available"
		}
		if proc.SupportsPrecision(configured) {
			status += ", configured"
		}
		r.printf("  %s: %s\n", name, status)
	}
}
