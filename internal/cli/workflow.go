package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/conveyor/internal/domain"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(appFn, outputFn),
		newWorkflowApplyCmd(appFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			workflows, err := app.Facade.ListWorkflows(cmd.Context(), app.Principal)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "JOBS", "CREATED"}
			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = []string{
					wf.ID.String(),
					wf.Name,
					strconv.Itoa(len(wf.Spec.Jobs)),
					wf.CreatedAt.Format(time.RFC3339),
				}
			}

			out.Print(headers, rows, workflows)
			return nil
		},
	}
}

func newWorkflowApplyCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "apply NAME FILE",
		Short: "Register a workflow from a YAML spec file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read spec file: %w", err)
			}

			var spec domain.WorkflowSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse spec file: %w", err)
			}

			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			wf, err := app.Facade.CreateWorkflow(cmd.Context(), app.Principal, args[0], spec)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow created: %s (%s)", wf.Name, wf.ID))
			return nil
		},
	}
}
