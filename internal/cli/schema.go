package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewSchemaCmd создаёт группу команд для управления схемами.
func NewSchemaCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage pipeline schemas",
	}

	cmd.AddCommand(
		newSchemaPublishCmd(clientFn, outputFn),
		newSchemaShowCmd(clientFn, outputFn),
		newSchemaLatestCmd(clientFn, outputFn),
	)

	return cmd
}

func newSchemaPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new schema version from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read schema file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("file %s is not valid JSON", file)
			}

			schema, err := client.CreateSchema(data)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schema published: %s (version %d)", schema.ID, schema.Version))
			out.Print(
				[]string{"ID", "CATEGORY", "VERSION", "VALID", "CREATED"},
				[][]string{{schema.ID, schema.Category, strconv.Itoa(schema.Version), strconv.FormatBool(schema.IsValid), schema.CreatedAt}},
				schema,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to schema JSON file (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newSchemaShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schema by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schema, err := client.GetSchema(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "CATEGORY", "VERSION", "VALID", "CREATED"},
				[][]string{{schema.ID, schema.Category, strconv.Itoa(schema.Version), strconv.FormatBool(schema.IsValid), schema.CreatedAt}},
				schema,
			)
			return nil
		},
	}
}

func newSchemaLatestCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "latest CATEGORY",
		Short: "Show the latest valid schema of a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schema, err := client.GetLatestSchema(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "CATEGORY", "VERSION", "VALID", "CREATED"},
				[][]string{{schema.ID, schema.Category, strconv.Itoa(schema.Version), strconv.FormatBool(schema.IsValid), schema.CreatedAt}},
				schema,
			)
			return nil
		},
	}
}
