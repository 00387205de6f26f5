package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"prism/internal/jsonx"
	"prism/internal/orchestrator"
)

type askOptions struct {
	persona    string
	collapse   string
	variations int
	providers  []string
	models     []string
	session    string
	user       string
	timeoutS   int
	verbose    bool
}

func newAskCommand() *cobra.Command {
	opts := askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run one orchestrated request and stream the answer",
		Long: `Run a single prompt through the server's routing and speculative
execution pipeline. Deltas stream live; slash personas such as
/sre or /developer at the start of the prompt pass straight through.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.persona, "persona", "", "persona shaping the system prompt")
	cmd.Flags().StringVar(&opts.collapse, "collapse", "", "collapse strategy (first_success, best_score, consensus)")
	cmd.Flags().IntVar(&opts.variations, "variations", 0, "cap on speculative branches")
	cmd.Flags().StringSliceVar(&opts.providers, "provider", nil, "restrict routing to these providers")
	cmd.Flags().StringSliceVar(&opts.models, "model", nil, "restrict routing to these models")
	cmd.Flags().StringVar(&opts.session, "session", "", "conversation session id")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id for conversation memory")
	cmd.Flags().IntVar(&opts.timeoutS, "timeout", 0, "per-request timeout in seconds")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "show branch lifecycle events")
	return cmd
}

func runAsk(ctx context.Context, prompt string, opts askOptions) error {
	client := newAPIClient(serverURL())
	req := &orchestrator.Request{
		Prompt: prompt,
		Context: orchestrator.RequestContext{
			UserID:    opts.user,
			SessionID: opts.session,
			TimeoutMS: opts.timeoutS * 1000,
		},
		Persona: orchestrator.PersonaConfig{
			Persona:       opts.persona,
			SlashCommands: true,
		},
		PreferredProviders: opts.providers,
		ModelPreferences:   opts.models,
		Orchestration: orchestrator.OrchestrationConfig{
			CollapseStrategy: opts.collapse,
			MaxVariations:    opts.variations,
		},
	}

	start := time.Now()
	var (
		result   *orchestrator.ResultPayload
		streamed bool
	)
	err := client.execute(ctx, req, func(ev wireEvent) error {
		switch ev.Type {
		case orchestrator.EventStart:
			var p orchestrator.StartPayload
			if err := jsonx.Unmarshal(ev.Payload, &p); err == nil && p.Decision != nil {
				d := p.Decision
				fmt.Printf("%s %s (%s, confidence %.2f, %s)\n",
					blue("→"), bold(d.Provider+"/"+d.Model), d.Strategy, d.Confidence, gray(d.Source))
			}
		case orchestrator.EventBranch:
			if opts.verbose {
				var p orchestrator.BranchPayload
				if err := jsonx.Unmarshal(ev.Payload, &p); err == nil {
					fmt.Printf("%s\n", gray(fmt.Sprintf("  branch %s %s/%s %s (%dms)",
						p.VariationID, p.Provider, p.Model, p.Status, p.ElapsedMS)))
				}
			}
		case orchestrator.EventDelta:
			var p orchestrator.DeltaPayload
			if err := jsonx.Unmarshal(ev.Payload, &p); err == nil && p.Text != "" {
				fmt.Print(p.Text)
				streamed = true
			}
		case orchestrator.EventResult:
			var p orchestrator.ResultPayload
			if err := jsonx.Unmarshal(ev.Payload, &p); err == nil {
				result = &p
			}
		case orchestrator.EventError:
			var p orchestrator.ErrorPayload
			if err := jsonx.Unmarshal(ev.Payload, &p); err == nil {
				return fmt.Errorf("%s: %s", p.Code, p.Message)
			}
			return fmt.Errorf("task failed")
		}
		return nil
	})

	duration := formatDuration(time.Since(start))
	if err != nil {
		fmt.Printf("\n%s Task failed after %s\n", red("✗"), duration)
		return err
	}
	if result == nil {
		return fmt.Errorf("stream ended without a result")
	}

	// Deltas already painted the answer; only a cached or non-streaming
	// result still needs printing.
	if streamed {
		fmt.Println()
	} else {
		content := result.Content
		if isTTY() {
			content = renderMarkdown(content)
		}
		fmt.Print(content)
		if !strings.HasSuffix(content, "\n") {
			fmt.Println()
		}
	}

	footer := fmt.Sprintf("%s %s in %s", green("✓"),
		bold(result.Winner.Provider+"/"+result.Winner.Model), duration)
	if result.Usage.TotalTokens > 0 {
		footer += " · " + cyan(fmt.Sprintf("%d tokens (in: %d, out: %d)",
			result.Usage.TotalTokens, result.Usage.PromptTokens, result.Usage.CompletionTokens))
	}
	if result.Collapse != "" {
		footer += " · " + gray(result.Collapse)
	}
	if result.Cached {
		footer += " · " + yellow("cached")
	}
	fmt.Println(footer)
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%.0fms", d.Seconds()*1000)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}
