package cmd

import (
	"github.com/lehigh-university-libraries/schematism/internal/evalcmd"
	"github.com/spf13/cobra"
)

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Parish record extraction evaluation tools",
		Long: `Evaluation tools for measuring how accurately parish records are extracted
from schematism pages.

Supports running an extraction adapter against an annotated dataset, inspecting
dataset statistics and BIO labels, generating reports from saved runs and
resolving raw strings against the canonical vocabulary.`,
	}

	cmd.AddCommand(evalcmd.NewRunCmd())
	cmd.AddCommand(evalcmd.NewReportCmd())
	cmd.AddCommand(evalcmd.NewInspectCmd())
	cmd.AddCommand(evalcmd.NewResolveCmd())

	return cmd
}
