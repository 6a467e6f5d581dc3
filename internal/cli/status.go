package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the index for the configured vectorizer",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Ready     bool   `json:"ready"`
	Dir       string `json:"dir"`
	Family    string `json:"family"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
	Backend   string `json:"backend"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if app == nil {
		return errors.New("application not configured")
	}
	ready := app.Engine.Ready()
	if ready {
		// load now so the stats describe what is on disk
		if err := app.Engine.Reload(cmd.Context()); err != nil {
			ready = false
			app.log.Warn("index present but unreadable", "error", err)
		}
	}
	st := app.Engine.Stats()
	report := statusReport{
		Ready:     ready,
		Dir:       app.Config.Artifacts.FamilyDir(app.Config.Vectorizer.Type),
		Family:    st.Family,
		Documents: st.Documents,
		Dimension: st.Dimension,
		Backend:   st.Backend,
	}
	if statusJSON {
		return outputJSON(cmd, report)
	}
	w := out(cmd)
	if !report.Ready {
		fmt.Fprintf(w, "Index %s: not ready\n", report.Dir)
		return nil
	}
	fmt.Fprintf(w, "Index %s: ready\n", report.Dir)
	fmt.Fprintf(w, "  family:    %s\n", report.Family)
	fmt.Fprintf(w, "  documents: %d\n", report.Documents)
	fmt.Fprintf(w, "  dimension: %d\n", report.Dimension)
	fmt.Fprintf(w, "  backend:   %s\n", report.Backend)
	return nil
}
