package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для просмотра runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect flow runs",
	}

	cmd.AddCommand(newRunListCmd(clientFn, outputFn))

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list FLOW_ID",
		Short: "List recent runs of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(args[0], limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "TYPE", "ACTIVE", "STATUS", "CONTAINER", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Type, strconv.FormatBool(r.Active), r.Status, r.ContainerID, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max runs to show")

	return cmd
}

// NewLogCmd создаёт группу команд для журнала flow.
func NewLogCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	list := &cobra.Command{
		Use:   "list FLOW_ID",
		Short: "Show the audit log of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			logs, err := client.ListLogs(args[0], limit)
			if err != nil {
				return err
			}

			headers := []string{"TIME", "LEVEL", "RUN", "MESSAGE"}
			rows := make([][]string, len(logs))
			for i, l := range logs {
				rows[i] = []string{l.CreatedAt, l.Level, l.RunID, l.Message}
			}

			out.Print(headers, rows, logs)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Max entries to show")

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect flow audit logs",
	}
	cmd.AddCommand(list)

	return cmd
}
