package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"workflows", "wf"},
	Short:   "Manage workflow definitions",
}

var workflowApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Create or update a workflow from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		document, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		// Only the id is needed here; the gateway validates the rest.
		var header struct {
			ID string `yaml:"id"`
		}
		if err := yaml.Unmarshal(document, &header); err != nil {
			return fmt.Errorf("invalid workflow file: %w", err)
		}

		wf, err := getClient().ApplyWorkflow(cmd.Context(), header.ID, document)
		if err != nil {
			return err
		}

		if PrintJSON(wf) {
			return nil
		}
		PrintSuccessWithValue(fmt.Sprintf("Workflow %s applied", CodeStyle.Render(wf.Name)), wf.ID)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		workflows, err := getClient().ListWorkflows(cmd.Context())
		if err != nil {
			return err
		}

		if PrintJSON(workflows) {
			return nil
		}

		if len(workflows) == 0 {
			PrintInfo("No workflows found")
			PrintHint("Create one with: playground workflow apply workflow.yaml")
			return nil
		}

		PrintHeader("Workflows")
		table := NewTable("ID", "NAME", "STEPS", "UPDATED")
		for _, wf := range workflows {
			table.AddRow(wf.ID, Truncate(wf.Name, 32), fmt.Sprintf("%d", len(wf.Steps)), FormatRelativeTime(wf.UpdatedAt))
		}
		table.Print()
		PrintNewline()
		return nil
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a workflow definition as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := getClient().GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if PrintJSON(wf) {
			return nil
		}

		out, err := yaml.Marshal(wf)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return SimpleSpinner("Deleting workflow...", func() error {
			return getClient().DeleteWorkflow(cmd.Context(), args[0])
		})
	},
}

func init() {
	workflowCmd.AddCommand(workflowApplyCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowDeleteCmd)
}
