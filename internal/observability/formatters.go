// Package observability provides the health summary and formatted output
// utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/scoring"
	"github.com/jonathan/lead-pipeline/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func shorten(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04 MST")
}

// PrintScrapeResult outputs the per-source and dedupe summary of one scrape.
func (p *Printer) PrintScrapeResult(res *orchestrator.Result) {
	if res == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Industry: %s\n", res.Industry))
	sb.WriteString(fmt.Sprintf("Location: %s\n", res.Location))
	sb.WriteString("\n")

	sb.WriteString("Sources:\n")
	for _, s := range res.Sources {
		if s.Error != "" {
			sb.WriteString(fmt.Sprintf("  ✗ %s: %s\n", s.Source, shorten(s.Error, 40)))
			continue
		}
		sb.WriteString(fmt.Sprintf("  ✓ %s: %d in %s\n", s.Source, s.Fetched, s.Duration.Round(time.Millisecond)))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Candidates: %d  Duplicates: %d  Invalid: %d\n", res.Candidates, res.Duplicates, res.Invalid))
	if res.Truncated > 0 {
		sb.WriteString(fmt.Sprintf("Truncated:  %d over the cap\n", res.Truncated))
	}
	sb.WriteString(fmt.Sprintf("Probed:     %d (%d failed)\n", res.Probed, res.ProbeFailures))
	sb.WriteString(fmt.Sprintf("New leads:  %d  Existing: %d\n", len(res.Leads), res.Existing))
	sb.WriteString(fmt.Sprintf("Enqueued:   %d score jobs\n", res.Enqueued))

	count := min(len(res.Leads), maxItemsToShow)
	if count > 0 {
		sb.WriteString("\n")
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", shorten(res.Leads[i].Name, 50)))
		}
		if len(res.Leads) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(res.Leads)-maxItemsToShow))
		}
	}

	p.printBox("SCRAPE RESULT", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintCampaignResult outputs the leads created per industry.
func (p *Printer) PrintCampaignResult(res *orchestrator.CampaignResult) {
	if res == nil {
		return
	}

	industries := make([]string, 0, len(res.LeadsCreated))
	for industry := range res.LeadsCreated {
		industries = append(industries, industry)
	}
	sort.Strings(industries)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Campaign run: %s\n", res.CampaignRunID))
	sb.WriteString(fmt.Sprintf("Scrapes:      %d in %s\n\n", len(res.Scrapes), res.Duration.Round(time.Second)))
	for _, industry := range industries {
		sb.WriteString(fmt.Sprintf("  • %-30s %d\n", shorten(industry, 30), res.LeadsCreated[industry]))
	}
	sb.WriteString(fmt.Sprintf("\nTotal leads created: %d", res.Total()))

	p.printBox("CAMPAIGN SUMMARY", sb.String())
}

// PrintScore outputs a lead's score breakdown and recommendations.
func (p *Printer) PrintScore(lead *types.Lead, res scoring.Result) {
	if lead == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Lead:   %s\n", lead.Name))
	sb.WriteString(fmt.Sprintf("Score:  %d (%s)\n\n", res.Total, res.Tier))

	for _, w := range scoring.Weights {
		sb.WriteString(fmt.Sprintf("  %-16s %3d  (weight %d%%)\n", w.Component, res.Components[w.Component], w.Weight))
	}

	if len(res.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		count := min(len(res.Recommendations), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", res.Recommendations[i]))
		}
		if len(res.Recommendations) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(res.Recommendations)-maxItemsToShow))
		}
	}

	p.printBox("LEAD SCORE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintLead outputs a lead's status and recent activity.
func (p *Printer) PrintLead(lead *types.Lead, activities []types.Activity) {
	if lead == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Name:       %s\n", lead.Name))
	sb.WriteString(fmt.Sprintf("Status:     %s\n", lead.Status))
	if lead.Score != nil {
		tier := ""
		if lead.Tier != nil {
			tier = *lead.Tier
		}
		sb.WriteString(fmt.Sprintf("Score:      %d (%s)\n", *lead.Score, tier))
	}
	sb.WriteString(fmt.Sprintf("Engagement: %d\n", lead.EngagementScore))
	sb.WriteString(fmt.Sprintf("Contacted:  %s\n", formatTime(lead.ContactedAt)))

	if len(activities) > 0 {
		sb.WriteString("\nRecent activity:\n")
		start := max(0, len(activities)-maxItemsToShow)
		for _, a := range activities[start:] {
			sb.WriteString(fmt.Sprintf("  %s %s\n", a.CreatedAt.Format("01-02 15:04"), shorten(a.Kind+" "+a.Detail, 40)))
		}
	}

	p.printBox("LEAD", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintQueues outputs per-queue job counts and failure rates.
func (p *Printer) PrintQueues(counts map[string]queue.Counts, stats map[string]queue.Stats) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-12s %4s %4s %4s %4s %5s\n", "queue", "wait", "run", "dly", "fail", "rate"))
	for _, name := range names {
		c := counts[name]
		sb.WriteString(fmt.Sprintf("%-12s %4d %4d %4d %4d %4.0f%%\n",
			name, c.Waiting, c.Active, c.Delayed, c.Failed, stats[name].FailureRate()*100))
	}

	p.printBox("QUEUES", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintTriggers outputs trigger schedules and last/next fire times.
func (p *Printer) PrintTriggers(triggers []scheduler.TriggerStatus) {
	if len(triggers) == 0 {
		return
	}

	var sb strings.Builder
	for i, t := range triggers {
		state := "on"
		if !t.Enabled {
			state = "off"
		}
		sb.WriteString(fmt.Sprintf("%s [%s] %s\n", t.Name, state, t.Schedule))
		sb.WriteString(fmt.Sprintf("  last: %s\n", formatTime(t.LastFired)))
		sb.WriteString(fmt.Sprintf("  next: %s\n", formatTime(t.NextFire)))
		if i < len(triggers)-1 {
			sb.WriteString("\n")
		}
	}

	p.printBox("TRIGGERS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintHealth outputs the health summary.
func (p *Printer) PrintHealth(h *Health) {
	if h == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status:  %s\n", strings.ToUpper(string(h.Status))))
	storage := "ok"
	if h.StorageError != "" {
		storage = shorten(h.StorageError, 40)
	}
	sb.WriteString(fmt.Sprintf("Storage: %s\n", storage))
	if h.Scrapes.Total > 0 {
		sb.WriteString(fmt.Sprintf("Scrapes: %d/%d sources ok (last %s)\n",
			h.Scrapes.Total-h.Scrapes.Failed, h.Scrapes.Total, formatTime(h.Scrapes.LastAt)))
	}
	for _, q := range h.Queues {
		if q.Degraded {
			sb.WriteString(fmt.Sprintf("⚠ queue %s failure rate %.0f%%\n", q.Name, q.FailureRate*100))
		}
	}

	p.printBox("HEALTH", strings.TrimSuffix(sb.String(), "\n"))
}
