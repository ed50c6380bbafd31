package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/queue"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show persisted pending jobs per queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Stop()

		if _, err := p.Jobs.Restore(ctx); err != nil {
			return fmt.Errorf("failed to load jobs: %w", err)
		}
		printer := observability.NewPrinter(cmd.OutOrStdout())
		printer.PrintQueues(p.Jobs.Counts(), p.Jobs.Stats())

		if queuesList == "" {
			return nil
		}
		jobs, err := p.Jobs.List(queuesList, queue.State(queuesState), queuesLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, j := range jobs {
			_, _ = fmt.Fprintf(out, "%s  %-9s  %-18s  attempt %d/%d  run at %s\n",
				j.ID, j.State, j.Type, j.Attempt, j.MaxAttempts, j.RunAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var (
	queuesList  string
	queuesState string
	queuesLimit int
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List triggers with their last and next fire times",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		status, err := p.Scheduler.Status(cmd.Context())
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintTriggers(status)
		return nil
	},
}

var triggersFireCmd = &cobra.Command{
	Use:   "fire <trigger>",
	Short: "Fire a trigger now, enqueueing its job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		if err := p.Scheduler.FireNow(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Fired %s\n", args[0])
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check storage, queues and triggers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		h := p.Health.Check(cmd.Context())
		observability.NewPrinter(cmd.OutOrStdout()).PrintHealth(h)
		if h.Status == observability.StatusDown {
			return fmt.Errorf("pipeline is down")
		}
		return nil
	},
}

func init() {
	queuesCmd.Flags().StringVar(&queuesList, "list", "", "Also list the jobs of this queue")
	queuesCmd.Flags().StringVar(&queuesState, "state", "", "Only list jobs in this state")
	queuesCmd.Flags().IntVar(&queuesLimit, "limit", 20, "Maximum jobs to list")

	triggersCmd.AddCommand(triggersFireCmd)
	rootCmd.AddCommand(queuesCmd, triggersCmd, healthCmd)
}
