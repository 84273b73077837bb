// AIYGW CLI — инструмент командной строки для работы с движком
// через HTTP API.
//
// Использование:
//
//	aiygw [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	task    Управление tasks
//	schema  Управление pipeline-схемами
//	quota   Квотный баланс пользователя
//	health  Здоровье провайдеров
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lpding888/aiygw4.0-sub012/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "aiygw",
		Short:         "AIYGW CLI — pipeline execution engine tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewSchemaCmd(clientFn, outputFn),
		cli.NewQuotaCmd(clientFn, outputFn),
		cli.NewHealthCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
