package routing

import "strings"

// DefaultPersona is used when neither the request nor a slash command names
// one.
const DefaultPersona = "developer"

// slashPersonas maps leading slash commands to personas. A slash command
// beats the persona named in the request body.
var slashPersonas = map[string]string{
	"dev":      "developer",
	"arch":     "architect",
	"security": "security_analyst",
	"test":     "tester",
	"docs":     "technical_writer",
	"review":   "reviewer",
	"perf":     "performance_expert",
}

// personaEmphasis names the capability tag a persona favors during scoring.
var personaEmphasis = map[string]string{
	"developer":          "code_generation",
	"architect":          "architecture",
	"security_analyst":   "security",
	"tester":             "testing",
	"technical_writer":   "documentation",
	"reviewer":           "code_review",
	"performance_expert": "performance",
}

// personaPrompts are the system instructions each persona prepends to a task.
var personaPrompts = map[string]string{
	"developer":          "You are an expert software developer. Write correct, idiomatic code and explain the non-obvious parts.",
	"architect":          "You are a systems architect. Reason about structure, trade-offs, and long-term evolution before implementation details.",
	"security_analyst":   "You are a security analyst. Evaluate inputs, trust boundaries, and failure modes before anything else.",
	"tester":             "You are a test engineer. Probe edge cases and state the assumptions behind every check.",
	"technical_writer":   "You are a technical writer. Prefer precise, plain language and well-structured documents.",
	"reviewer":           "You are a code reviewer. Point out defects and risky patterns with concrete fixes.",
	"performance_expert": "You are a performance engineer. Quantify costs and prefer measurements over intuition.",
}

// PersonaPrompt returns the system instruction for a persona. Unknown names
// fall back to the default persona's instruction.
func PersonaPrompt(name string) string {
	if text, ok := personaPrompts[name]; ok {
		return text
	}
	return personaPrompts[DefaultPersona]
}

// Personas lists the known persona names in stable order.
func Personas() []string {
	return []string{
		"developer", "architect", "security_analyst", "tester",
		"technical_writer", "reviewer", "performance_expert",
	}
}

// KnownPersona reports whether name is one of the built-in personas.
func KnownPersona(name string) bool {
	for _, known := range Personas() {
		if known == name {
			return true
		}
	}
	return false
}

// ResolvePersona determines the effective persona for a prompt and strips any
// recognized slash command from it. Precedence: slash command, then the
// requested persona, then fallback (or DefaultPersona when fallback is
// empty). Unrecognized slash commands are left in the prompt untouched.
func ResolvePersona(prompt, requested, fallback string) (persona, cleaned string) {
	if fallback == "" {
		fallback = DefaultPersona
	}

	cleaned = prompt
	persona = strings.TrimSpace(requested)
	if persona == "" {
		persona = fallback
	}

	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "/") {
		return persona, cleaned
	}

	command := trimmed[1:]
	rest := ""
	if cut := strings.IndexFunc(command, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }); cut >= 0 {
		rest = strings.TrimSpace(command[cut:])
		command = command[:cut]
	}
	mapped, ok := slashPersonas[strings.ToLower(command)]
	if !ok {
		return persona, cleaned
	}
	return mapped, rest
}
