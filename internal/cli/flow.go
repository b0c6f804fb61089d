package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для управления flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowCreateCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowUpdateCmd(clientFn, outputFn),
		newFlowDeleteCmd(clientFn, outputFn),
	)
	cmd.AddCommand(newActionCmds(clientFn, outputFn)...)

	return cmd
}

var flowHeaders = []string{"ID", "SLUG", "NAME", "STATUS", "GRAPH_HASH", "CREATED"}

func flowRow(f FlowResponse) []string {
	hash := f.GraphHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return []string{f.ID, f.Slug, f.Name, f.Status, hash, f.CreatedAt}
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := client.ListFlows()
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i, f := range flows {
				rows[i] = flowRow(f)
			}

			out.Print(flowHeaders, rows, flows)
			return nil
		},
	}
}

func newFlowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name, codeFile, graphFile, image, entrypoint string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateFlowRequest{Name: name, Image: image, Entrypoint: entrypoint}

			if codeFile != "" {
				code, err := os.ReadFile(codeFile)
				if err != nil {
					return fmt.Errorf("failed to read code file: %w", err)
				}
				req.Code = string(code)
			}

			graph, err := readGraph(graphFile)
			if err != nil {
				return err
			}
			req.Graph = graph

			flow, err := client.CreateFlow(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow created: %s", flow.ID))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Flow name (required)")
	cmd.Flags().StringVar(&codeFile, "code", "", "Path to the workflow source file")
	cmd.Flags().StringVar(&graphFile, "graph", "", "Path to the graph JSON file")
	cmd.Flags().StringVar(&image, "image", "", "Container image override")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Container command")
	cmd.MarkFlagRequired("name")

	return cmd
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show flow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.GetFlow(args[0])
			if err != nil {
				return err
			}

			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name, codeFile, graphFile, image, entrypoint string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := UpdateFlowRequest{}
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("code") {
				data, err := os.ReadFile(codeFile)
				if err != nil {
					return fmt.Errorf("failed to read code file: %w", err)
				}
				code := string(data)
				req.Code = &code
			}
			if cmd.Flags().Changed("graph") {
				graph, err := readGraph(graphFile)
				if err != nil {
					return err
				}
				req.Graph = graph
			}
			if cmd.Flags().Changed("image") {
				req.Image = &image
			}
			if cmd.Flags().Changed("entrypoint") {
				req.Entrypoint = &entrypoint
			}

			flow, err := client.UpdateFlow(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Flow updated")
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New flow name")
	cmd.Flags().StringVar(&codeFile, "code", "", "Path to the new workflow source file")
	cmd.Flags().StringVar(&graphFile, "graph", "", "Path to the new graph JSON file")
	cmd.Flags().StringVar(&image, "image", "", "Container image override")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Container command")

	return cmd
}

func newFlowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Stop all runs and delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteFlow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow deleted: %s", args[0]))
			return nil
		},
	}
}

// readGraph читает JSON графа из файла. Пустой путь — графа нет.
func readGraph(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("graph file is not valid JSON")
	}
	return json.RawMessage(data), nil
}
