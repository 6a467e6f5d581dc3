package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	askLimit int
	askJSON  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed documents",
	Long: `Retrieves the best matching documents and answers with an extractive
snippet of the top match plus citations. When nothing matches, or the best
match scores below the configured minimum, the answer is a refusal.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().IntVarP(&askLimit, "limit", "n", 0, "number of documents to consider (default from config)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	if app == nil {
		return errors.New("application not configured")
	}
	a, err := app.Engine.Ask(cmd.Context(), args[0], limitOr(askLimit))
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}
	if askJSON {
		return outputJSON(cmd, a)
	}

	w := out(cmd)
	if a.Refused {
		if a.Answer == "" {
			fmt.Fprintln(w, "Empty question.")
			return nil
		}
		fmt.Fprintf(w, "%s (confidence %.3f)\n", a.Answer, a.Confidence)
		return nil
	}
	fmt.Fprintln(w, a.Answer)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Confidence: %.3f\n", a.Confidence)
	fmt.Fprintln(w, "Sources:")
	for i, c := range a.Citations {
		if c.URL != "" {
			fmt.Fprintf(w, "  [%d] %s (%.3f) %s\n", i+1, c.Title, c.Score, c.URL)
			continue
		}
		fmt.Fprintf(w, "  [%d] %s (%.3f)\n", i+1, c.Title, c.Score)
	}
	return nil
}
