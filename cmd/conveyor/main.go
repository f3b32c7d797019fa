// Conveyor CLI — инструмент командной строки для управления
// workflows и runs.
//
// Использование:
//
//	conveyor [--config FILE] [--as NAME:ROLE,...] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	workflow  Управление workflows
//	run       Управление runs
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/cli"
	"github.com/shaiso/conveyor/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string
	var asPrincipal string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — workflow run orchestration tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&asPrincipal, "as", "admin:admin", "Principal as NAME:ROLE[,ROLE...]")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	appFn := func() (*cli.App, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		principal, err := cli.ParsePrincipal(asPrincipal)
		if err != nil {
			return nil, err
		}
		return cli.Connect(rootCmd.Context(), cfg, principal)
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewWorkflowCmd(appFn, outputFn),
		cli.NewRunCmd(appFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
