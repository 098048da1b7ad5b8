package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleSetCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleToggleCmd("enable", "Enable a schedule", true, clientFn, outputFn),
		newScheduleToggleCmd("disable", "Disable a schedule", false, clientFn, outputFn),
	)

	return cmd
}

var scheduleHeaders = []string{"NAME", "TOPIC", "CRON", "INTERVAL", "ENABLED", "NEXT_DUE", "LAST_JOB"}

func scheduleRow(s ScheduleResponse) []string {
	interval := ""
	if s.IntervalSec > 0 {
		interval = strconv.Itoa(s.IntervalSec) + "s"
	}
	return []string{
		s.Name, s.Topic, s.CronExpr, interval,
		strconv.FormatBool(s.Enabled), s.NextDueAt, s.LastJobID,
	}
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := clientFn().ListSchedules()
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = scheduleRow(s)
			}

			outputFn().Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}
}

func newScheduleSetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req ScheduleRequest
	var disabled bool
	var props []string
	var nums []string

	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or replace a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Topic == "" {
				return fmt.Errorf("--topic is required")
			}
			if req.CronExpr == "" && req.IntervalSec <= 0 {
				return fmt.Errorf("either --cron or --interval is required")
			}

			properties, err := parseProperties(props, nums)
			if err != nil {
				return err
			}
			req.Properties = properties

			enabled := !disabled
			req.Enabled = &enabled

			schedule, err := clientFn().PutSchedule(args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Schedule saved: %s", schedule.Name))
			out.Print(scheduleHeaders, [][]string{scheduleRow(*schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Topic, "topic", "", "Topic of created jobs (required)")
	cmd.Flags().StringVar(&req.Queue, "queue", "", "Queue of created jobs")
	cmd.Flags().StringVar(&req.CronExpr, "cron", "", "Cron expression (e.g. \"0 9 * * *\")")
	cmd.Flags().IntVar(&req.IntervalSec, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "UTC", "Timezone for cron")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "Text property as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&nums, "num", nil, "Number property as KEY=N (repeatable)")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().GetSchedule(args[0])
			if err != nil {
				return err
			}

			interval := ""
			if s.IntervalSec > 0 {
				interval = strconv.Itoa(s.IntervalSec) + "s"
			}
			outputFn().Detail([][2]string{
				{"Name", s.Name},
				{"Topic", s.Topic},
				{"Queue", s.Queue},
				{"Cron", s.CronExpr},
				{"Interval", interval},
				{"Timezone", s.Timezone},
				{"Enabled", strconv.FormatBool(s.Enabled)},
				{"Next due", s.NextDueAt},
				{"Last run", s.LastRunAt},
				{"Last job", s.LastJobID},
				{"Properties", formatProperties(s.Properties)},
			}, s)
			return nil
		},
	}
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteSchedule(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleToggleCmd(use, short string, enabled bool, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().SetScheduleEnabled(args[0], enabled)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Schedule %sd: %s", use, s.Name))
			return nil
		},
	}
}
