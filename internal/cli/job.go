package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления job.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobListCmd(clientFn, outputFn),
		newJobAddCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobStopCmd(clientFn, outputFn),
		newJobAbortCmd(clientFn, outputFn),
		newJobRetryCmd(clientFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"ID", "TOPIC", "QUEUE", "STATE", "RETRIES", "TARGET", "CREATED"}

func jobRow(j JobResponse) []string {
	return []string{
		j.ID, j.Topic, j.Queue, j.State,
		fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
		j.TargetInstance, j.CreatedAt,
	}
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListJobsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := clientFn().ListJobs(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = jobRow(j)
			}

			outputFn().Print(jobHeaders, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "Query type (ALL, ACTIVE, QUEUED, HISTORY, CANCELLED, SUCCEEDED, STOPPED, GIVEN_UP, ERROR, DROPPED)")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "Filter by topic")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "Property condition, e.g. count>=5 (repeatable)")

	return cmd
}

func newJobAddCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var queue string
	var props []string
	var nums []string

	cmd := &cobra.Command{
		Use:   "add TOPIC",
		Short: "Create a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parseProperties(props, nums)
			if err != nil {
				return err
			}

			job, err := clientFn().AddJob(CreateJobRequest{
				Topic:      args[0],
				Queue:      queue,
				Properties: properties,
			})
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Job created: %s", job.ID))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue name (matched by topic if not specified)")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "Text property as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&nums, "num", nil, "Number property as KEY=N (repeatable)")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := clientFn().GetJob(args[0])
			if err != nil {
				return err
			}

			retries := fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)
			duration := ""
			if job.DurationMs > 0 {
				duration = strconv.FormatInt(job.DurationMs, 10) + "ms"
			}
			outputFn().Detail([][2]string{
				{"ID", job.ID},
				{"Topic", job.Topic},
				{"Queue", job.Queue},
				{"State", job.State},
				{"Retries", retries},
				{"Target", job.TargetInstance},
				{"Created", job.CreatedAt},
				{"Created by", job.CreatedInstance},
				{"Queued", job.QueuedAt},
				{"Started", job.StartedAt},
				{"Started by", job.StartedInstance},
				{"Finished", job.FinishedAt},
				{"Duration", duration},
				{"Result", job.ResultMessage},
				{"Properties", formatProperties(job.Properties)},
				{"Progress", formatProperties(job.Progress)},
			}, job)
			return nil
		},
	}
}

func newJobStopCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Request a running job to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().StopJob(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Stop requested: %s", args[0]))
			return nil
		},
	}
}

func newJobAbortCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "abort ID",
		Short: "Stop and remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().AbortJob(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Job aborted: %s", args[0]))
			return nil
		},
	}
}

func newJobRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Re-run a failed job from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := clientFn().RetryJob(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Job retried: %s -> %s", args[0], job.ID))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}
}

// parseProperties собирает свойства из KEY=VALUE (текст) и KEY=N (число).
func parseProperties(texts, nums []string) (map[string]any, error) {
	if len(texts) == 0 && len(nums) == 0 {
		return nil, nil
	}

	props := make(map[string]any, len(texts)+len(nums))
	for _, kv := range texts {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property format %q, expected KEY=VALUE", kv)
		}
		props[key] = value
	}
	for _, kv := range nums {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property format %q, expected KEY=N", kv)
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("property %s: %q is not a number", key, value)
		}
		props[key] = n
	}
	return props, nil
}
