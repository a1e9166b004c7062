package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/engine"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
	"github.com/teranos/cadence/job"
)

// JobsCmd groups job control commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and control jobs",
	Long: `Create and control jobs for one owner.

Commands write directly to the database; a running server picks up
the changes on its next poll.

Examples:
  cadence jobs ls --owner alice
  cadence jobs create -f nightly-backup.yaml --owner alice
  cadence jobs pause <id> --owner alice
  cadence jobs forecast --owner alice --days 3`,
}

var (
	jobsOwner        string
	jobsFile         string
	jobsType         string
	jobsStatus       string
	jobsForecastDays int
	jobsLogsJob      string
	jobsLogsLimit    int
	jobsJSONOutput   bool
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsOwner, "owner", "", "Owner the command acts for (required)")
	JobsCmd.PersistentFlags().BoolVar(&jobsJSONOutput, "json", false, "Print results as JSON")
	JobsCmd.MarkPersistentFlagRequired("owner")

	jobsLsCmd.Flags().StringVar(&jobsType, "type", "", "Filter by type (one-time, recurring)")
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status")
	jobsCreateCmd.Flags().StringVarP(&jobsFile, "file", "f", "", "YAML job definition (- for stdin)")
	jobsCreateCmd.MarkFlagRequired("file")
	jobsForecastCmd.Flags().IntVar(&jobsForecastDays, "days", 7, "Days ahead to preview")
	jobsLogsCmd.Flags().StringVar(&jobsLogsJob, "job", "", "Only logs of this job")
	jobsLogsCmd.Flags().IntVar(&jobsLogsLimit, "limit", job.DefaultPageLimit, "Number of logs to show")

	JobsCmd.AddCommand(jobsLsCmd, jobsGetCmd, jobsCreateCmd, jobsDeleteCmd,
		jobsPauseCmd, jobsResumeCmd, jobsToggleCmd, jobsRerunCmd,
		jobsStatsCmd, jobsForecastCmd, jobsLogsCmd)
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		jobs, err := e.ListJobs(cmd.Context(), jobsOwner, job.ListFilter{
			Type:   job.Type(jobsType),
			Status: job.Status(jobsStatus),
		})
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		return renderJobs(jobs)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		j, err := e.GetJob(cmd.Context(), jobsOwner, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), j)
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create -f <file>",
	Short: "Create a job from a YAML definition",
	Long: `Create a job from a YAML definition:

  name: nightly backup
  type: recurring
  command: DB_BACKUP
  cron: "0 2 * * *"
  timezone: Europe/Amsterdam
  maxRetries: 2
  payload:
    label: nightly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readDefinition(cmd.InOrStdin(), jobsFile)
		if err != nil {
			return err
		}
		spec, err := parseJobDefinition(data)
		if err != nil {
			return err
		}

		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		j, err := e.CreateJob(cmd.Context(), jobsOwner, spec)
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), j)
		}
		pterm.Success.Printf("Created %s job %s (%s)\n", j.Type, j.ID, j.Status)
		if j.NextRunAt != nil {
			pterm.Info.Printf("Next run: %s\n", j.NextRunAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a job and its schedule",
	Args:    cobra.ExactArgs(1),
	RunE:    jobAction("Deleted", (*engine.Engine).DeleteJob),
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a recurring job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Paused", (*engine.Engine).PauseJob),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused recurring job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Resumed", (*engine.Engine).ResumeJob),
}

var jobsToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Pause or resume a recurring job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Toggled", (*engine.Engine).ToggleJob),
}

var jobsRerunCmd = &cobra.Command{
	Use:   "rerun <id>",
	Short: "Run a job once now",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Queued rerun of", (*engine.Engine).RerunJob),
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := e.GetJobStats(cmd.Context(), jobsOwner)
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		return pterm.DefaultTable.WithHasHeader().WithData([][]string{
			{"Total", "Active", "Scheduled", "Paused", "Running", "Completed", "Failed"},
			{
				fmt.Sprint(stats.Total), fmt.Sprint(stats.Active), fmt.Sprint(stats.Scheduled),
				fmt.Sprint(stats.Paused), fmt.Sprint(stats.Running), fmt.Sprint(stats.Completed),
				fmt.Sprint(stats.Failed),
			},
		}).Render()
	},
}

var jobsForecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Preview upcoming firings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobsForecastDays <= 0 {
			return errors.NewInvalidRequestError("--days must be positive")
		}
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		now := time.Now().UTC()
		fc, err := e.ForecastOccurrences(cmd.Context(), jobsOwner, forecast.Window{
			From:  now,
			Until: now.Add(time.Duration(jobsForecastDays) * 24 * time.Hour),
		})
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), fc)
		}

		rows := [][]string{{"When", "Job", "Command"}}
		for _, occ := range fc.Occurrences {
			rows = append(rows, []string{occ.At.Local().Format("Mon 02 Jan 15:04"), occ.Name, occ.Command})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		for _, fe := range fc.Errors {
			pterm.Warning.Printf("%s: %s\n", fe.JobID, fe.Error)
		}
		return nil
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show execution logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		page, err := e.JobLogs(cmd.Context(), jobsOwner, jobsLogsJob, 1, jobsLogsLimit)
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}

		rows := [][]string{{"Run at", "Job", "Status", "Attempt", "Duration", "Error"}}
		for _, l := range page.Items {
			rows = append(rows, []string{
				l.RunAt.Local().Format(time.DateTime),
				l.JobName,
				string(l.Status),
				fmt.Sprint(l.Attempt),
				(time.Duration(l.DurationMS) * time.Millisecond).String(),
				truncate(l.Error, 60),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pterm.Info.Printf("Showing %d of %d\n", len(page.Items), page.Total)
		return nil
	},
}

type jobActionFunc func(e *engine.Engine, ctx context.Context, ownerID, id string) (*job.Job, error)

// jobAction wraps a single-job engine call as a cobra RunE
func jobAction(verb string, fn jobActionFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		j, err := fn(e, cmd.Context(), jobsOwner, args[0])
		if err != nil {
			return err
		}
		if jobsJSONOutput {
			return printJSON(cmd.OutOrStdout(), j)
		}
		pterm.Success.Printf("%s %s (%s)\n", verb, j.ID, j.Status)
		return nil
	}
}

// jobDefinition is the YAML form of a job accepted by jobs create
type jobDefinition struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Type        string                 `yaml:"type"`
	Command     string                 `yaml:"command"`
	Payload     map[string]interface{} `yaml:"payload"`
	ScheduledAt *time.Time             `yaml:"scheduledAt"`
	Cron        string                 `yaml:"cron"`
	Timezone    string                 `yaml:"timezone"`
	MaxRetries  *int                   `yaml:"maxRetries"`
}

// parseJobDefinition decodes a YAML job definition into an engine spec.
// Unknown keys are rejected so typos do not silently drop settings.
func parseJobDefinition(data []byte) (engine.Spec, error) {
	var def jobDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return engine.Spec{}, errors.NewValidationError("job definition is empty")
		}
		return engine.Spec{}, errors.WithHint(
			errors.NewValidationError("invalid job definition: %v", err),
			"keys are name, description, type, command, payload, scheduledAt, cron, timezone, maxRetries")
	}

	spec := engine.Spec{
		Name:        def.Name,
		Description: def.Description,
		Type:        job.Type(def.Type),
		Command:     job.Command(strings.ToUpper(def.Command)),
		ScheduledAt: def.ScheduledAt,
		CronExpr:    def.Cron,
		Timezone:    def.Timezone,
		MaxRetries:  def.MaxRetries,
	}
	if def.Payload != nil {
		payload, err := json.Marshal(def.Payload)
		if err != nil {
			return engine.Spec{}, errors.NewValidationError("payload is not representable as JSON: %v", err)
		}
		spec.Payload = payload
	}
	return spec, nil
}

func readDefinition(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return data, errors.Wrap(err, "failed to read job definition from stdin")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job definition %s", path)
	}
	return data, nil
}

func renderJobs(jobs []*job.Job) error {
	rows := [][]string{{"ID", "Name", "Type", "Command", "Schedule", "Status", "Next run"}}
	for _, j := range jobs {
		schedule := j.CronExpr
		if j.Type == job.TypeOneTime && j.ScheduledAt != nil {
			schedule = j.ScheduledAt.Local().Format(time.DateTime)
		}
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{j.ID, j.Name, string(j.Type), string(j.Command), schedule, string(j.Status), next})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
