package cmd

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "schematism",
		Short: "Parish record extraction and evaluation for historical schematisms",
		Long: `Schematism extracts structured parish records from OCR'd diocesan schematism
pages, maps every extracted value onto a canonical vocabulary and measures
extraction accuracy against annotated ground truth.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}
