package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewHealthCmd создаёт группу команд для наблюдения за здоровьем системы.
func NewHealthCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Inspect system health",
	}

	cmd.AddCommand(
		newHealthProvidersCmd(clientFn, outputFn),
	)

	return cmd
}

func newHealthProvidersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider health snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snapshots, err := client.ListProviderHealth()
			if err != nil {
				return err
			}

			headers := []string{"PROVIDER", "STATUS", "FAILURES", "AVG_LATENCY_MS", "SUCCESS_RATE", "CHECKED"}
			rows := make([][]string, len(snapshots))
			for i, s := range snapshots {
				rows[i] = []string{
					s.ProviderRef,
					s.Status,
					strconv.Itoa(s.ConsecutiveFailures),
					fmt.Sprintf("%.0f", s.AvgLatencyMs),
					fmt.Sprintf("%.2f", s.SuccessRate),
					s.LastCheckAt,
				}
			}

			out.Print(headers, rows, snapshots)
			return nil
		},
	}
}

// NewQuotaCmd создаёт команду просмотра квоты пользователя.
func NewQuotaCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "quota USER_ID",
		Short: "Show quota balance of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			quota, err := client.GetQuota(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"USER_ID", "BALANCE"},
				[][]string{{quota.UserID, strconv.FormatInt(quota.Balance, 10)}},
				quota,
			)
			return nil
		},
	}
}
