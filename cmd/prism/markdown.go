package main

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// terminalWidth returns the usable rendering width with a margin, capped for
// readability on wide terminals.
func terminalWidth() int {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	return width
}

// renderMarkdown styles content for the terminal. On renderer failure the
// raw content comes back unchanged so output is never lost.
func renderMarkdown(content string) string {
	if content == "" {
		return ""
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(terminalWidth()),
		glamour.WithEmoji(),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
