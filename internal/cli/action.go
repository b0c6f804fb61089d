package cli

import (
	"github.com/spf13/cobra"
)

// newActionCmds создаёт команды start/stop/deploy/undeploy группы flow.
func newActionCmds(clientFn func() *Client, outputFn func() *Output) []*cobra.Command {
	var testRunID string

	start := &cobra.Command{
		Use:   "start ID",
		Short: "Start a development run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFn().Start(args[0], StartRequest{TestRunID: testRunID})
			if err != nil {
				return err
			}
			outputFn().Action("start", res)
			return nil
		},
	}
	start.Flags().StringVar(&testRunID, "test-run-id", "", "Tag the container with an e2e test run id")

	return []*cobra.Command{
		start,
		simpleAction("stop", "Stop the development run", clientFn, outputFn, (*Client).Stop),
		simpleAction("deploy", "Deploy to production (generates a lock first)", clientFn, outputFn, (*Client).Deploy),
		simpleAction("undeploy", "Stop the production run", clientFn, outputFn, (*Client).Undeploy),
	}
}

func simpleAction(
	verb, short string,
	clientFn func() *Client,
	outputFn func() *Output,
	call func(*Client, string) (*ActionResponse, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := call(clientFn(), args[0])
			if err != nil {
				return err
			}
			outputFn().Action(verb, res)
			return nil
		},
	}
}
