// Package cli wires configuration, the retrieval engine and its ambient
// services behind the rag command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rag/internal/config"
	"rag/internal/logger"
)

var (
	cfgPath      string
	metricsAddr  string
	familyFlag   string
	logLevelFlag string

	// app is built once per invocation by the root pre-run hook.
	app *App
)

var rootCmd = &cobra.Command{
	Use:   "rag",
	Short: "Retrieval-augmented answers over a local document corpus",
	Long: `rag ingests documents into a persisted vector index and answers
questions with an extractive snippet and citations, refusing when the
evidence is too weak.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (default ./config.yaml, then ~/.config/rag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().StringVar(&familyFlag, "vectorizer", "", "vectorizer family: tfidf, lsa or openai")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	var (
		cfg *config.AppConfig
		err error
	)
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if familyFlag != "" {
		cfg.Vectorizer.Type = familyFlag
		if familyFlag == config.VectorizerOpenAI && cfg.Vectorizer.OpenAI == nil {
			cfg.Vectorizer.OpenAI = &config.OpenAIEmbedderConfig{}
		}
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	slog.SetDefault(logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format))

	app, err = NewApp(cfg)
	if err != nil {
		return err
	}
	return app.StartMetrics()
}

func teardown(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.Close(ctx)
	app = nil
	return err
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
