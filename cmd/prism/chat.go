package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"prism/internal/ids"
	"prism/internal/jsonx"
	"prism/internal/orchestrator"
)

func newChatCommand() *cobra.Command {
	var (
		user    string
		persona string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with session memory",
		Long: `Start a REPL against the server. Every turn shares one session, so the
server carries conversation context between prompts. Slash personas
(/sre, /developer, ...) at the start of a message pass through to the
router; /reset starts a fresh session and /exit quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				return fmt.Errorf("chat needs an interactive terminal")
			}
			return runChat(cmd.Context(), user, persona)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id for conversation memory")
	cmd.Flags().StringVar(&persona, "persona", "", "default persona for the session")
	return cmd
}

func runChat(ctx context.Context, user, persona string) error {
	client := newAPIClient(serverURL())
	session := ids.NewSessionID()

	fmt.Printf("%s %s\n", bold("prism chat"), gray(version))
	fmt.Println("Type a prompt and press Enter. /reset starts over, /exit quits.")
	fmt.Printf("Session: %s\n\n", cyan(session))

	homeDir, _ := os.UserHomeDir()
	historyFile := filepath.Join(homeDir, ".prism_history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		input, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(input) == 0 {
				fmt.Println("\nGoodbye!")
				return nil
			}
			continue
		} else if err == io.EOF {
			fmt.Println("\nGoodbye!")
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch input {
		case "/exit", "/quit", "exit", "quit", "q":
			fmt.Println("Goodbye!")
			return nil
		case "/reset":
			confirm := promptui.Prompt{Label: "Reset conversation", IsConfirm: true}
			if _, err := confirm.Run(); err != nil {
				fmt.Println(gray("kept current session"))
				continue
			}
			session = ids.NewSessionID()
			fmt.Printf("New session: %s\n\n", cyan(session))
			continue
		case "/help":
			fmt.Println("  /reset      start a new session")
			fmt.Println("  /exit       quit")
			fmt.Println("  /<persona>  route the message with that persona, e.g. /sre why is p99 up?")
			continue
		}

		if err := chatTurn(ctx, client, session, user, persona, input); err != nil {
			fmt.Printf("\n%s %v\n\n", red("✗"), err)
		}
	}
}

// chatTurn runs one prompt and renders the collapsed answer as markdown.
// Deltas are not painted live here; the rendered block replaces them.
func chatTurn(ctx context.Context, client *apiClient, session, user, persona, prompt string) error {
	req := &orchestrator.Request{
		Prompt: prompt,
		Context: orchestrator.RequestContext{
			UserID:    user,
			SessionID: session,
		},
		Persona: orchestrator.PersonaConfig{
			Persona:       persona,
			SlashCommands: true,
		},
	}

	start := time.Now()
	var result *orchestrator.ResultPayload
	err := client.execute(ctx, req, func(ev wireEvent) error {
		switch ev.Type {
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
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("stream ended without a result")
	}

	rendered := markdown.Render(result.Content, terminalWidth(), 2)
	fmt.Printf("\n%s\n", string(rendered))

	meta := fmt.Sprintf("%s/%s · %s", result.Winner.Provider, result.Winner.Model,
		formatDuration(time.Since(start)))
	if result.Usage.TotalTokens > 0 {
		meta += fmt.Sprintf(" · %d tokens", result.Usage.TotalTokens)
	}
	if result.Cached {
		meta += " · cached"
	}
	fmt.Printf("%s %s\n\n", green("✓"), gray(meta))
	return nil
}
