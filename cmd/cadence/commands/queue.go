package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// QueueCmd inspects and clears the durable task queue
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear the task queue",
	Long: `Inspect or clear the task queue.

Clearing removes every task and scheduler but leaves jobs untouched; the
server's next reconcile pass re-registers every live job.`,
}

var queueClearYes bool

func init() {
	queueClearCmd.Flags().BoolVarP(&queueClearYes, "yes", "y", false, "Do not ask for confirmation")
	QueueCmd.AddCommand(queueStatsCmd, queueClearCmd)
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		st, err := e.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData([][]string{
			{"Waiting", "Active", "Completed", "Failed", "Discarded", "Schedulers"},
			{
				fmt.Sprint(st.Waiting), fmt.Sprint(st.Active), fmt.Sprint(st.Completed),
				fmt.Sprint(st.Failed), fmt.Sprint(st.Discarded), fmt.Sprint(st.Schedulers),
			},
		}).Render()
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every task and scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !queueClearYes {
			ok, _ := pterm.DefaultInteractiveConfirm.
				WithDefaultText("Remove every queued task and scheduler?").
				Show()
			if !ok {
				pterm.Info.Println("Aborted")
				return nil
			}
		}

		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := e.ClearQueue(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printf("Removed %d tasks and %d schedulers\n", res.Tasks, res.Schedulers)
		pterm.Info.Println("Jobs are re-registered on the server's next reconcile pass")
		return nil
	},
}
