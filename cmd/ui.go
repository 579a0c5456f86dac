package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pulpfleet/manager/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the interactive fleet dashboard",
	Long: `ui opens a bubbletea terminal dashboard over the same store the
control plane and workers use: backend rollup health on the Dashboard tab,
recent tasks on the Tasks tab. It reads the SQL store (SQLite or MySQL)
directly and never goes through the HTTP API, so it works even with serve
stopped.`,
	RunE: runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	app := tui.NewApp(d.cfg, d.store)
	return app.Run()
}
