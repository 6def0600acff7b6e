package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/playground/pkg/types"
)

var (
	instanceHours  int
	instanceMemory string
	instanceCPUs   float64
	instanceEnv    []string
	instanceDir    string
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"instances", "i"},
	Short:   "Manage playground sandboxes",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a sandbox",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := types.CreateInstanceRequest{DurationHours: instanceHours}
		if len(args) == 1 {
			req.Name = args[0]
		}

		env, err := parseEnv(instanceEnv)
		if err != nil {
			return err
		}
		req.Environment = env

		if instanceMemory != "" || instanceCPUs > 0 {
			req.ResourceLimits = &types.ResourceLimits{Memory: instanceMemory, CPUs: instanceCPUs}
		}

		var inst *types.Instance
		err = RunSpinnerWithResult("Creating sandbox...", func() error {
			inst, err = getClient().CreateInstance(cmd.Context(), req)
			return err
		})
		if err != nil {
			return err
		}

		if PrintJSON(inst) {
			return nil
		}

		PrintSuccess("Sandbox created")
		printInstance(inst)
		PrintHint("The sandbox is booting. Check with: playground instance get " + inst.ID)
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := getClient().ListInstances(cmd.Context())
		if err != nil {
			return err
		}

		if PrintJSON(instances) {
			return nil
		}

		if len(instances) == 0 {
			PrintInfo("No sandboxes running")
			PrintHint("Create one with: playground instance create")
			return nil
		}

		PrintHeader("Sandboxes")
		table := NewTable("ID", "NAME", "STATUS", "PORTS", "EXPIRES")
		for _, inst := range instances {
			table.AddRow(
				inst.ID,
				Truncate(inst.Name, 24),
				string(inst.Status),
				fmt.Sprintf("%d/%d/%d", inst.SSHPort, inst.DockerPort, inst.WebPort),
				FormatRelativeTime(inst.ExpiresAt),
			)
		}
		table.Print()
		PrintNewline()
		return nil
	},
}

var instanceGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show sandbox details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := getClient().GetInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if PrintJSON(inst) {
			return nil
		}
		printInstance(inst)
		return nil
	},
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return SimpleSpinner("Deleting sandbox...", func() error {
			return getClient().DeleteInstance(cmd.Context(), args[0])
		})
	},
}

var instanceExtendCmd = &cobra.Command{
	Use:   "extend <id>",
	Short: "Push a sandbox's expiry further out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := getClient().ExtendInstance(cmd.Context(), args[0], instanceHours)
		if err != nil {
			return err
		}
		if PrintJSON(inst) {
			return nil
		}
		PrintSuccessWithValue("Sandbox extended", "expires "+FormatRelativeTime(inst.ExpiresAt))
		return nil
	},
}

var instanceExecCmd = &cobra.Command{
	Use:   "exec <id> -- <command...>",
	Short: "Run a command inside a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := args[1]
		if len(args) > 2 {
			command = shellquote.Join(args[1:]...)
		}

		output, err := getClient().Execute(cmd.Context(), args[0], types.Command{
			Command:    command,
			WorkingDir: instanceDir,
		})
		if err != nil {
			return err
		}
		if PrintJSON(map[string]string{"output": output}) {
			return nil
		}
		fmt.Println(output)
		return nil
	},
}

var instanceCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned sandbox containers (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return SpinnerWithValue("Collecting orphans...", func() (string, error) {
			return getClient().Cleanup(cmd.Context())
		})
	},
}

func init() {
	instanceCreateCmd.Flags().IntVar(&instanceHours, "hours", types.DefaultSessionHours, "Hours until the sandbox expires")
	instanceCreateCmd.Flags().StringVar(&instanceMemory, "memory", "", "Memory limit (e.g. 2g)")
	instanceCreateCmd.Flags().Float64Var(&instanceCPUs, "cpus", 0, "CPU limit")
	instanceCreateCmd.Flags().StringSliceVar(&instanceEnv, "env", nil, "Environment variables (KEY=VALUE)")

	instanceExtendCmd.Flags().IntVar(&instanceHours, "hours", 1, "Hours to add")
	instanceExecCmd.Flags().StringVarP(&instanceDir, "workdir", "w", "", "Working directory inside the sandbox")

	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)
	instanceCmd.AddCommand(instanceExtendCmd)
	instanceCmd.AddCommand(instanceExecCmd)
	instanceCmd.AddCommand(instanceCleanupCmd)
}

func printInstance(inst *types.Instance) {
	PrintNewline()
	PrintKeyValue("ID", inst.ID)
	PrintKeyValue("Name", inst.Name)
	PrintKeyValueStyled("Status", string(inst.Status), statusStyle(string(inst.Status)))
	PrintKeyValue("SSH", fmt.Sprintf("%d", inst.SSHPort))
	PrintKeyValue("Docker", fmt.Sprintf("tcp://localhost:%d", inst.DockerPort))
	PrintKeyValue("Web", fmt.Sprintf("http://localhost:%d", inst.WebPort))
	PrintKeyValue("Created", FormatRelativeTime(inst.CreatedAt))
	PrintKeyValue("Expires", FormatRelativeTime(inst.ExpiresAt))
	PrintNewline()
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

// statusStyle returns the appropriate style for an instance or run status
func statusStyle(status string) lipgloss.Style {
	switch strings.ToLower(status) {
	case "running", "installing":
		return InfoStyle
	case "success":
		return SuccessStyle
	case "error", "expired":
		return ErrorStyle
	case "creating":
		return WarningStyle
	default:
		return DimStyle
	}
}
