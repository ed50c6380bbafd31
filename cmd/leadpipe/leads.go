package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/lead-pipeline/internal/db"
	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/types"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Inspect, score and advance stored leads",
}

var (
	leadsStatus   string
	leadsIndustry string
	leadsMinScore int
	leadsLimit    int
	leadsJSON     bool

	scoreApply bool

	advanceReason string
)

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads, highest score first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status := types.Status(leadsStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", leadsStatus)
		}

		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		leads, err := p.Store.ListLeads(cmd.Context(), db.LeadFilters{
			Status:   status,
			Industry: leadsIndustry,
			MinScore: leadsMinScore,
			Limit:    leadsLimit,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if leadsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(leads)
		}
		for _, l := range leads {
			score := "-"
			if l.Score != nil {
				score = fmt.Sprintf("%d", *l.Score)
			}
			_, _ = fmt.Fprintf(out, "%s  %-3s  %-10s  %s (%s)\n", l.ID, score, l.Status, l.Name, l.Location)
		}
		_, _ = fmt.Fprintf(out, "%d leads\n", len(leads))
		return nil
	},
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show a lead with its activity history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid lead id: %w", err)
		}
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		lead, err := p.Store.GetLead(cmd.Context(), id)
		if err != nil {
			return err
		}
		if lead == nil {
			return fmt.Errorf("lead %s not found", id)
		}
		acts, err := p.Store.ListActivities(cmd.Context(), id)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintLead(lead, acts)
		return nil
	},
}

var leadsScoreCmd = &cobra.Command{
	Use:   "score <lead-id>",
	Short: "Score a lead and print the breakdown",
	Long: `Scores a stored lead and prints the component breakdown. With --apply the
result is stored and outreach is scheduled when the lead qualifies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid lead id: %w", err)
		}
		ctx := cmd.Context()
		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Stop()

		lead, err := p.Store.GetLead(ctx, id)
		if err != nil {
			return err
		}
		if lead == nil {
			return fmt.Errorf("lead %s not found", id)
		}
		res := p.Engine.Score(lead)
		observability.NewPrinter(cmd.OutOrStdout()).PrintScore(lead, res)

		if scoreApply {
			return p.Lifecycle.OnScored(ctx, id, res)
		}
		return nil
	},
}

var leadsAdvanceCmd = &cobra.Command{
	Use:   "advance <lead-id> <status>",
	Short: "Move a lead forward in its lifecycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid lead id: %w", err)
		}
		status := types.Status(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", args[1])
		}
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Stop()

		lead, err := p.Lifecycle.Advance(cmd.Context(), id, status, advanceReason)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Lead %s is now %s\n", lead.ID, lead.Status)
		return nil
	},
}

func init() {
	leadsListCmd.Flags().StringVar(&leadsStatus, "status", "", "Only leads with this status")
	leadsListCmd.Flags().StringVar(&leadsIndustry, "industry", "", "Only leads in this industry")
	leadsListCmd.Flags().IntVar(&leadsMinScore, "min-score", 0, "Only leads scoring at least this much")
	leadsListCmd.Flags().IntVar(&leadsLimit, "limit", 50, "Maximum leads to list")
	leadsListCmd.Flags().BoolVar(&leadsJSON, "json", false, "Print leads as JSON")

	leadsScoreCmd.Flags().BoolVar(&scoreApply, "apply", false, "Store the score and schedule outreach when it qualifies")

	leadsAdvanceCmd.Flags().StringVar(&advanceReason, "reason", "operator", "Reason recorded in the activity log")

	leadsCmd.AddCommand(leadsListCmd, leadsShowCmd, leadsScoreCmd, leadsAdvanceCmd)
	rootCmd.AddCommand(leadsCmd)
}
