package cli

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"rag/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui [paths...]",
	Short: "Ask questions interactively",
	Long: `Opens the interactive answer view. When paths are given they are ingested
first and a short corpus summary is shown in the header.`,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	if app == nil {
		return errors.New("application not configured")
	}
	summary, err := prepareTUI(cmd, args)
	if err != nil {
		return err
	}
	m := tui.New(app.Engine, summary, app.Config.Answer.TopK)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}

// prepareTUI ingests args when present and returns the header line.
func prepareTUI(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 {
		if !app.Engine.Ready() {
			return "", errors.New("index is empty: pass paths to ingest or run 'rag ingest' first")
		}
		return fmt.Sprintf("Using index in %s", app.Config.Artifacts.FamilyDir(app.Config.Vectorizer.Type)), nil
	}
	docs, err := app.Loader.Load(args)
	if err != nil {
		return "", err
	}
	res, err := app.Engine.Ingest(cmd.Context(), docs)
	if err != nil {
		return "", fmt.Errorf("ingest failed: %w", err)
	}
	if res.Ingested == 0 {
		return "", errors.New("no usable documents found")
	}
	summary, err := app.Summarizer.SummarizeDocuments(docs, app.Config.Summarizer.MaxSentences)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d documents. %s", res.Ingested, summary), nil
}
