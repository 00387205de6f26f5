package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"prism/internal/cache"
	"prism/internal/conversation"
	"prism/internal/policy"
	"prism/internal/quantum"
	"prism/internal/routing"
)

// serverStats mirrors the server's stats payload.
type serverStats struct {
	UptimeS      float64                 `json:"uptime_s"`
	Caches       []cache.Stats           `json:"caches"`
	Conversation *conversation.Stats     `json:"conversation"`
	Pool         *quantum.Stats          `json:"pool"`
	Agent        *policy.AgentMetrics    `json:"agent"`
	Providers    map[string]providerInfo `json:"providers"`
}

type providerInfo struct {
	Healthy     bool     `json:"healthy"`
	SuccessRate float64  `json:"success_rate"`
	Models      []string `json:"models"`
}

type decisionList struct {
	Count     int                `json:"count"`
	Decisions []routing.Decision `json:"decisions"`
}

func newStatsCommand() *cobra.Command {
	var decisions int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show server cache, pool, and routing statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), decisions)
		},
	}
	cmd.Flags().IntVar(&decisions, "decisions", 0, "also show the last N routing decisions")
	return cmd
}

func runStats(ctx context.Context, decisions int) error {
	client := newAPIClient(serverURL())

	var stats serverStats
	if err := client.getJSON(ctx, "/api/v1/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("\n%s uptime %s\n", bold("Server"), formatSeconds(stats.UptimeS))

	fmt.Printf("\n%s\n", bold("Providers"))
	names := make([]string, 0, len(stats.Providers))
	for name := range stats.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := stats.Providers[name]
		state := green("healthy")
		if !info.Healthy {
			state = red("unhealthy")
		}
		fmt.Printf("  %-12s %s · success %.0f%% · %d models\n",
			name, state, info.SuccessRate*100, len(info.Models))
	}

	if len(stats.Caches) > 0 {
		fmt.Printf("\n%s\n", bold("Caches"))
		for _, cs := range stats.Caches {
			total := cs.Hits + cs.Misses
			rate := 0.0
			if total > 0 {
				rate = float64(cs.Hits) / float64(total) * 100
			}
			fmt.Printf("  %-12s %d/%d entries · hit rate %.0f%% · %d evicted · %d expired\n",
				cs.Name, cs.Size, cs.MaxEntries, rate, cs.Evictions, cs.Expired)
		}
	}

	if stats.Conversation != nil {
		c := stats.Conversation
		fmt.Printf("\n%s\n", bold("Conversations"))
		fmt.Printf("  %d sessions · %d messages · %d users · %.2f MB · %d evictions\n",
			c.TotalConversations, c.TotalMessages, c.ActiveUsers, c.MemoryUsageMB, c.Evictions)
	}

	if stats.Pool != nil {
		p := stats.Pool
		fmt.Printf("\n%s\n", bold("Worker pool"))
		fmt.Printf("  %d/%d workers busy · queue capacity %d · %d branches in flight\n",
			p.BusyWorkers, p.MaxWorkers, p.QueueCapacity, p.InFlightBranches)
	}

	if stats.Agent != nil {
		a := stats.Agent
		fmt.Printf("\n%s\n", bold("Routing policy"))
		fmt.Printf("  epsilon %.3f · %d train steps · buffer %.0f%% · backend %s\n",
			a.Epsilon, a.TrainSteps, a.MemoryUtilization*100, a.Backend)
	}

	if decisions > 0 {
		var list decisionList
		path := fmt.Sprintf("/api/v1/decisions?limit=%d", decisions)
		if err := client.getJSON(ctx, path, &list); err != nil {
			return err
		}
		fmt.Printf("\n%s (%d)\n", bold("Recent decisions"), list.Count)
		for _, d := range list.Decisions {
			fmt.Printf("  %s %-28s %s · %s · confidence %.2f · %s\n",
				gray(d.CreatedAt.Format("15:04:05")), d.Provider+"/"+d.Model,
				d.Strategy, d.ComplexityLevel, d.Confidence, gray(d.Source))
		}
	}

	fmt.Println()
	return nil
}

func formatSeconds(s float64) string {
	switch {
	case s < 60:
		return fmt.Sprintf("%.0fs", s)
	case s < 3600:
		return fmt.Sprintf("%.1fm", s/60)
	default:
		return fmt.Sprintf("%.1fh", s/3600)
	}
}
