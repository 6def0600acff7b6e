package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/playground/pkg/types"
)

var (
	runInstance string
	runVars     []string
	runFollow   bool
)

var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"runs"},
	Short:   "Start and watch workflow runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start <workflow-id>",
	Short: "Start a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseEnv(runVars)
		if err != nil {
			return err
		}
		runContext := make(map[string]any, len(vars))
		for k, v := range vars {
			runContext[k] = v
		}

		runId, err := getClient().StartRun(cmd.Context(), types.StartRunRequest{
			WorkflowID:           args[0],
			PlaygroundInstanceID: runInstance,
			Context:              runContext,
		})
		if err != nil {
			return err
		}

		if !runFollow {
			if PrintJSON(map[string]string{"run_id": runId}) {
				return nil
			}
			PrintSuccessWithValue("Run started", runId)
			PrintHint("Follow it with: playground run logs " + runId)
			return nil
		}

		if !IsJSONOutput() {
			PrintSuccessWithValue("Run started", runId)
			PrintNewline()
		}
		return followRun(cmd.Context(), runId)
	},
}

var runLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Stream a run's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followRun(cmd.Context(), args[0])
	},
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := getClient().GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if PrintJSON(run) {
			return nil
		}

		PrintStatusBox(
			KeyValueLine("Run", run.RunID, ValueStyle),
			KeyValueLine("Workflow", run.WorkflowID, ValueStyle),
			KeyValueLine("Status", string(run.Status), statusStyle(string(run.Status))),
			KeyValueLine("Started", FormatRelativeTime(run.StartedAt), ValueStyle),
			KeyValueLine("Sandbox", run.PlaygroundInstanceID, ValueStyle),
		)
		for _, entry := range run.Logs {
			printStepLog(entry.StepName, entry.StepID, string(entry.Status), entry.Output, entry.Error)
		}
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := getClient().ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		if PrintJSON(runs) {
			return nil
		}

		if len(runs) == 0 {
			PrintInfo("No runs yet")
			return nil
		}

		PrintHeader("Runs")
		table := NewTable("RUN", "WORKFLOW", "STATUS", "STEPS", "STARTED")
		for _, run := range runs {
			table.AddRow(run.RunID, run.WorkflowID, string(run.Status), fmt.Sprintf("%d", len(run.Logs)), FormatRelativeTime(run.StartedAt))
		}
		table.Print()
		PrintNewline()
		return nil
	},
}

func init() {
	runStartCmd.Flags().StringVarP(&runInstance, "instance", "i", "", "Run command steps inside this sandbox")
	runStartCmd.Flags().StringSliceVar(&runVars, "var", nil, "Initial context variables (KEY=VALUE)")
	runStartCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Stream progress until the run finishes")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runLogsCmd)
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runListCmd)
}

// followRun prints stream events until run_finished. It returns
// errRunFailed when the run ends in error.
func followRun(ctx context.Context, runId string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var final string
	err := getClient().StreamRun(ctx, runId, func(event types.StreamEvent) error {
		if PrintJSON(event) {
			if event.Type == types.StreamEventRunFinished {
				final, _ = event.Data["status"].(string)
			}
			return nil
		}

		switch event.Type {
		case types.StreamEventStepProgress:
			PrintInfof("Step %v/%v %s", event.Data["current_step"], event.Data["total_steps"], BoldStyle.Render(str(event.Data["step_name"])))
		case types.StreamEventLog:
			printStepLog(str(event.Data["step_name"]), str(event.Data["step_id"]), str(event.Data["status"]), str(event.Data["output"]), str(event.Data["error"]))
		case types.StreamEventError:
			PrintErrorMsg(str(event.Data["error"]))
		case types.StreamEventRunFinished:
			final = str(event.Data["status"])
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch final {
	case "":
		PrintWarning("Stream ended before the run finished")
		return nil
	case string(types.RunStatusSuccess):
		if !IsJSONOutput() {
			PrintSuccess("Run finished")
		}
		return nil
	default:
		if !IsJSONOutput() {
			PrintErrorMsg("Run " + final)
		}
		return errRunFailed
	}
}

func printStepLog(name, id, status, output, errMsg string) {
	label := name
	if label == "" {
		label = id
	}

	if status == string(types.StepStatusError) {
		fmt.Printf("  %s %s\n", ErrorStyle.Render(SymbolError), label)
	} else {
		fmt.Printf("  %s %s\n", SuccessStyle.Render(SymbolSuccess), label)
	}

	if output = strings.TrimSpace(output); output != "" {
		for _, line := range strings.Split(output, "\n") {
			fmt.Printf("    %s\n", MutedStyle.Render(line))
		}
	}
	if errMsg != "" {
		PrintKeyValueStyled("Error", errMsg, ErrorStyle)
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
