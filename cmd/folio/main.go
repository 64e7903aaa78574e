package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "folio",
	Short:         "Notebook ingestion, transformation and Q&A pipeline",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("FOLIO_CONFIG", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/folio/config.yaml)")

	rootCmd.AddCommand(serveCmd, workerCmd, mcpCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(notebooksCmd, ingestCmd, reingestCmd, jobsCmd, askCmd, transformCmd, transformationsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
