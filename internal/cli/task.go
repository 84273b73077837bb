package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для управления tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	cmd.AddCommand(
		newTaskSubmitCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskListCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var userID string
	var featureID string
	var schemaID string
	var category string
	var inputs []string
	var quotaCost int64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateTaskRequest{
				UserID:    userID,
				FeatureID: featureID,
				SchemaID:  schemaID,
				Category:  category,
				QuotaCost: quotaCost,
			}

			if len(inputs) > 0 {
				req.Input = make(map[string]any)
				for _, kv := range inputs {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Input[parts[0]] = parts[1]
				}
			}

			task, err := client.CreateTask(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task submitted: %s", task.ID))
			out.Print(
				[]string{"ID", "SCHEMA_ID", "STATUS", "QUOTA_COST", "CREATED"},
				[][]string{{task.ID, task.SchemaID, task.Status, strconv.FormatInt(task.QuotaCost, 10), task.CreatedAt}},
				task,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User ID (required)")
	cmd.Flags().StringVar(&featureID, "feature-id", "", "Product feature ID")
	cmd.Flags().StringVar(&schemaID, "schema-id", "", "Pipeline schema ID")
	cmd.Flags().StringVar(&category, "category", "", "Pipeline category (latest valid schema)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().Int64Var(&quotaCost, "quota-cost", 1, "Quota cost of the task")
	cmd.MarkFlagRequired("user-id")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task details with steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.GetTask(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(task)
				return nil
			}

			out.Table(
				[]string{"ID", "STATUS", "ERROR", "CREATED"},
				[][]string{{task.ID, task.Status, task.Error, task.CreatedAt}},
			)

			if len(task.Steps) > 0 {
				fmt.Println()
				headers := []string{"BRANCH", "INDEX", "NODE", "TYPE", "PROVIDER", "STATUS", "RETRIES", "ERROR"}
				rows := make([][]string, len(task.Steps))
				for i, s := range task.Steps {
					rows[i] = []string{
						s.BranchID, strconv.Itoa(s.StepIndex), s.NodeID, s.NodeType,
						s.ProviderRef, s.Status, strconv.Itoa(s.RetryCount), s.Error,
					}
				}
				out.Table(headers, rows)
			}
			return nil
		},
	}
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var userID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(ListTasksOpts{UserID: userID, Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "FEATURE", "STATUS", "ERROR", "CREATED"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.FeatureID, t.Status, t.Error, t.CreatedAt}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.MarkFlagRequired("user-id")

	return cmd
}

func newTaskCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.CancelTask(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancellation requested: %s", task.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}
