package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/internal/taskctl"
)

func submitCmd(a *taskctl.App) *cobra.Command {
	var taskType string
	var fields []string
	cmd := &cobra.Command{
		Use:   "submit [./path/to/tasks.yaml]",
		Short: "Submit tasks to the gateway",
		Long: `Submit tasks from a YAML or JSON file, or a single task described by flags.

Example tasks.yaml:

tasks:
  - type: settlement
    employee_id: E-1001
    period: "2024-05"
    concepts:
      - kind: remunerative
        description: basic salary
        amount: 850000
  - type: report
    report_kind: payslip
    employee_id: E-1001
    period: "2024-05"

Example with flags:

taskctl submit --type settlement --field employee_id=E-1001 --field period=2024-05`,
		Args: cobra.MaximumNArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			initParams(a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var descriptors []task.Descriptor
			switch {
			case len(args) == 1 && taskType != "":
				return errors.New("give either a file or --type, not both")
			case len(args) == 1:
				fromFile, err := taskctl.ReadSubmitFile(args[0])
				if err != nil {
					return err
				}
				descriptors = fromFile
			case taskType != "":
				descriptor, err := taskctl.DescriptorFromFields(taskType, fields)
				if err != nil {
					return err
				}
				descriptors = []task.Descriptor{descriptor}
			default:
				return errors.New("a file or --type is required")
			}
			return a.Submit(cmd.Context(), descriptors)
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "type of the task to submit")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "task field as key=value (repeatable)")
	return cmd
}
