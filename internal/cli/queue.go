package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewQueueCmd создаёт группу команд для управления очередями экземпляра.
func NewQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage local queues of an instance",
	}

	cmd.AddCommand(
		newQueueListCmd(clientFn, outputFn),
		newQueueActionCmd("suspend", "Suspend a queue", "Queue suspended", (*Client).SuspendQueue, clientFn, outputFn),
		newQueueActionCmd("resume", "Resume a suspended queue", "Queue resumed", (*Client).ResumeQueue, clientFn, outputFn),
		newQueueClearCmd(clientFn, outputFn),
	)

	return cmd
}

func newQueueListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues with statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := clientFn().ListQueues()
			if err != nil {
				return err
			}

			headers := []string{"NAME", "TYPE", "PARALLEL", "SUSPENDED", "QUEUED", "ACTIVE", "SUCCEEDED", "FAILED", "CANCELLED"}
			rows := make([][]string, len(queues))
			for i, q := range queues {
				rows[i] = []string{
					q.Name, q.Type, strconv.Itoa(q.MaxParallel), strconv.FormatBool(q.Suspended),
					strconv.Itoa(q.Queued), strconv.Itoa(q.Active),
					strconv.FormatInt(q.Succeeded, 10), strconv.FormatInt(q.Failed, 10), strconv.FormatInt(q.Cancelled, 10),
				}
			}

			outputFn().Print(headers, rows, queues)
			return nil
		},
	}
}

func newQueueActionCmd(
	use, short, done string,
	action func(*Client, string) error,
	clientFn func() *Client,
	outputFn func() *Output,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := action(clientFn(), args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("%s: %s", done, args[0]))
			return nil
		},
	}
}

func newQueueClearCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "clear NAME",
		Short: "Remove all waiting jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := clientFn().ClearQueue(args[0])
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Queue cleared: %s (%d jobs removed)", result.Queue, result.Removed))
			return nil
		},
	}
}

// NewTopologyCmd создаёт команду просмотра состава кластера.
func NewTopologyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show live cluster instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := clientFn().Topology()
			if err != nil {
				return err
			}

			headers := []string{"ID", "CAPACITY", "TOPICS", "LAST_SEEN", "ROLE"}
			rows := make([][]string, len(topo.Instances))
			for i, inst := range topo.Instances {
				var role []string
				if inst.ID == topo.Local {
					role = append(role, "local")
				}
				if inst.ID == topo.Leader {
					role = append(role, "leader")
				}
				topics := strings.Join(inst.Topics, ",")
				if topics == "" {
					topics = "*"
				}
				rows[i] = []string{inst.ID, strconv.Itoa(inst.Capacity), topics, inst.LastSeen, strings.Join(role, ",")}
			}

			outputFn().Print(headers, rows, topo)
			return nil
		},
	}
}
