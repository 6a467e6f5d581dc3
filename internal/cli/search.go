package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"rag/internal/answer"
	"rag/internal/domain"
)

var (
	searchLimit int
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long: `Ranks indexed documents by cosine similarity to the query and prints the
top results with their scores.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if app == nil {
		return errors.New("application not configured")
	}
	res, err := app.Engine.Search(cmd.Context(), args[0], limitOr(searchLimit))
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if searchJSON {
		return outputJSON(cmd, res)
	}
	return outputSearchTable(out(cmd), res.Hits)
}

func limitOr(flag int) int {
	if flag > 0 {
		return flag
	}
	return app.Config.Answer.TopK
}

func outputJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Fprintln(out(cmd), string(data))
	return nil
}

func outputSearchTable(w io.Writer, hits []domain.Hit) error {
	if len(hits) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}
	fmt.Fprintln(w, "Results:")
	fmt.Fprintln(w)
	for _, h := range hits {
		// Format: [N] Title (Score)
		fmt.Fprintf(w, "  [%d] %s (%.3f)\n", h.Rank, answer.Title(h), h.Score)
		if h.Document.URL != "" {
			fmt.Fprintf(w, "      %s\n", h.Document.URL)
		}
		if snippet := preview(h.Document.Text, 160); snippet != "" {
			fmt.Fprintf(w, "      %s\n", snippet)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
