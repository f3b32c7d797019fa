package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/service"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}

	cmd.AddCommand(
		newRunTriggerCmd(appFn, outputFn),
		newRunListCmd(appFn, outputFn),
		newRunShowCmd(appFn, outputFn),
		newRunCancelCmd(appFn, outputFn),
	)

	return cmd
}

func newRunTriggerCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	var inputs []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "trigger WORKFLOW",
		Short: "Trigger a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			req := service.TriggerRequest{
				Workflow:       args[0],
				IdempotencyKey: idempotencyKey,
			}

			if len(inputs) > 0 {
				req.Inputs = make(map[string]any)
				for _, kv := range inputs {
					key, value, found := strings.Cut(kv, "=")
					if !found {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Inputs[key] = value
				}
			}

			run, err := app.Facade.TriggerRun(cmd.Context(), app.Principal, req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run triggered: %s", run.ID))
			out.Print(
				[]string{"ID", "WORKFLOW_ID", "STATUS", "TRIGGERED_BY", "CREATED"},
				[][]string{runRow(run)},
				run,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Deduplication key for retried triggers")

	return cmd
}

func newRunListCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			runs, err := app.Facade.ListRuns(cmd.Context(), app.Principal, domain.RunFilter{
				Status: domain.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "WORKFLOW_ID", "STATUS", "TRIGGERED_BY", "CREATED"}
			rows := make([][]string, len(runs))
			for i := range runs {
				rows[i] = runRow(&runs[i])
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a run with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			snapshot, err := app.Facade.GetRun(cmd.Context(), app.Principal, runID)
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "WORKFLOW_ID", "STATUS", "TRIGGERED_BY", "CREATED"},
				[][]string{runRow(&snapshot.Run)},
				snapshot,
			)

			if len(snapshot.Jobs) > 0 && !out.jsonMode {
				fmt.Fprintln(out.w)
				headers := []string{"NAME", "TYPE", "STATUS", "ATTEMPT", "DEPENDS_ON", "ERROR"}
				rows := make([][]string, len(snapshot.Jobs))
				for i, j := range snapshot.Jobs {
					rows[i] = []string{
						j.Name,
						j.Type,
						string(j.Status),
						strconv.Itoa(j.Attempt),
						strings.Join(j.DependsOn, ","),
						j.Error,
					}
				}
				out.Table(headers, rows)
			}
			return nil
		},
	}
}

func newRunCancelCmd(appFn func() (*App, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run and all its unfinished jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			app, err := appFn()
			if err != nil {
				return err
			}
			defer app.Close()
			out := outputFn()

			if err := app.Facade.CancelRun(cmd.Context(), app.Principal, runID); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", runID))
			return nil
		},
	}
}

func runRow(run *domain.WorkflowRun) []string {
	return []string{
		run.ID.String(),
		run.WorkflowID.String(),
		string(run.Status),
		run.TriggeredBy,
		run.CreatedAt.Format(time.RFC3339),
	}
}
