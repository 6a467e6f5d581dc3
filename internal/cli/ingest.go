package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"rag/internal/domain"
	"rag/internal/loader"
)

var (
	ingestStdin   bool
	ingestSummary bool
	ingestJSON    bool
	ingestWatch   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Index documents, replacing the current corpus",
	Long: `Reads documents from files, directories or glob patterns and rebuilds the
index for the configured vectorizer. Supported inputs are .jsonl and .json
documents ({"title","url","text"}) and .txt/.md files. An input without
usable text clears the index. With --watch the paths are re-ingested
whenever a file under them changes, until interrupted.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestStdin, "stdin", false, "read JSON Lines documents from stdin")
	ingestCmd.Flags().BoolVar(&ingestSummary, "summary", false, "print a short summary of the corpus")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output the result as JSON")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "re-ingest the paths when files change")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if app == nil {
		return errors.New("application not configured")
	}
	if len(args) == 0 && !ingestStdin {
		return errors.New("provide paths to ingest or --stdin")
	}
	if ingestWatch && (ingestStdin || len(args) == 0) {
		return errors.New("--watch needs paths and cannot be combined with --stdin")
	}
	if err := ingestOnce(cmd, args); err != nil {
		return err
	}
	if !ingestWatch {
		return nil
	}
	fmt.Fprintln(out(cmd), "Watching for changes, press Ctrl+C to stop")
	return loader.Watch(cmd.Context(), args, loader.DefaultDebounce, func() error {
		if err := ingestOnce(cmd, args); err != nil {
			// keep watching
			app.log.Warn("re-ingest failed", "error", err)
		}
		return nil
	})
}

func ingestOnce(cmd *cobra.Command, args []string) error {
	var docs []domain.Document
	if ingestStdin {
		got, err := loader.ReadJSONL(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		docs = append(docs, got...)
	}
	if len(args) > 0 {
		got, err := app.Loader.Load(args)
		if err != nil {
			return err
		}
		docs = append(docs, got...)
	}

	res, err := app.Engine.Ingest(cmd.Context(), docs)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	if ingestJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Fprintln(out(cmd), string(data))
		return nil
	}

	dir := app.Config.Artifacts.FamilyDir(app.Config.Vectorizer.Type)
	if res.Ingested == 0 {
		fmt.Fprintf(out(cmd), "No usable documents; cleared %s\n", dir)
		return nil
	}
	fmt.Fprintf(out(cmd), "Ingested %d documents into %s\n", res.Ingested, dir)
	if ingestSummary {
		summary, err := app.Summarizer.SummarizeDocuments(docs, app.Config.Summarizer.MaxSentences)
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "\nSummary: %s\n", summary)
	}
	return nil
}
