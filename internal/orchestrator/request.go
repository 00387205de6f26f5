package orchestrator

import (
	"strings"
	"unicode/utf8"

	"prism/internal/errors"
	"prism/internal/ids"
	"prism/internal/quantum"
	"prism/internal/routing"
)

// Validation bounds for inbound requests. Violations surface as
// KindValidation before any provider work starts.
const (
	maxPromptBytes       = 128 << 10
	maxFiles             = 64
	maxFilePathLen       = 512
	maxTaskIDLen         = 128
	maxTimeoutMS         = 600_000
	maxRequestTokens     = 128_000
	maxVariationsAllowed = 8
	maxInstructionBytes  = 8 << 10
)

// Request defaults applied by normalize.
const (
	defaultUserID      = "anonymous"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
)

// Request is one orchestration call. Prompt is the only required field;
// everything else defaults to something sensible.
type Request struct {
	TaskID             string              `json:"task_id,omitempty"`
	TaskType           string              `json:"task_type,omitempty"`
	Prompt             string              `json:"prompt"`
	Files              []string            `json:"files,omitempty"`
	Context            RequestContext      `json:"context"`
	Persona            PersonaConfig       `json:"persona_config,omitempty"`
	PreferredProviders []string            `json:"preferred_providers,omitempty"`
	ModelPreferences   []string            `json:"model_preferences,omitempty"`
	Orchestration      OrchestrationConfig `json:"orchestration_config,omitempty"`
}

// RequestContext carries caller identity and per-call generation limits.
type RequestContext struct {
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	// TimeoutMS bounds the whole request. Zero means the executor's
	// configured window applies alone.
	TimeoutMS int `json:"timeout_ms,omitempty"`
	// MaxTokens zero means unset. Callers wanting near-greedy sampling
	// should send a small Temperature such as 0.01; zero means unset.
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// PersonaConfig shapes the system prompt. SlashCommands declares that the
// caller may embed persona commands in prompts; extraction follows the
// prompt either way, the flag is informational.
type PersonaConfig struct {
	Persona            string `json:"persona,omitempty"`
	SlashCommands      bool   `json:"slash_commands,omitempty"`
	ContextWindow      int    `json:"context_window,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

// OrchestrationConfig overrides the speculative execution shape for one
// request. MaxVariations can narrow the configured fan-out, never widen it.
type OrchestrationConfig struct {
	CollapseStrategy string `json:"collapse_strategy,omitempty"`
	MaxVariations    int    `json:"max_variations,omitempty"`
}

// Validate checks every field against its bounds. It does not mutate the
// request; normalize applies defaults afterwards.
func (r *Request) Validate() error {
	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return errors.Validationf("prompt is required")
	}
	if len(prompt) > maxPromptBytes {
		return errors.Validationf("prompt exceeds %d bytes", maxPromptBytes)
	}
	if !utf8.ValidString(prompt) {
		return errors.Validationf("prompt is not valid UTF-8")
	}
	if len(r.TaskID) > maxTaskIDLen {
		return errors.Validationf("task_id exceeds %d characters", maxTaskIDLen)
	}
	if strings.ContainsAny(r.TaskID, " \t\n") {
		return errors.Validationf("task_id must not contain whitespace")
	}
	if _, ok := routing.ParseTaskType(r.TaskType); !ok {
		return errors.Validationf("unknown task_type %q", r.TaskType)
	}
	if len(r.Files) > maxFiles {
		return errors.Validationf("too many files: %d exceeds %d", len(r.Files), maxFiles)
	}
	for _, f := range r.Files {
		if f == "" || len(f) > maxFilePathLen {
			return errors.Validationf("file paths must be non-empty and at most %d characters", maxFilePathLen)
		}
	}
	if err := r.Context.validate(); err != nil {
		return err
	}
	if err := r.Persona.validate(); err != nil {
		return err
	}
	for _, p := range r.PreferredProviders {
		if routing.ProviderIndex(p) < 0 {
			return errors.Validationf("unknown preferred provider %q", p)
		}
	}
	for _, m := range r.ModelPreferences {
		if strings.TrimSpace(m) == "" {
			return errors.Validationf("model preferences must be non-empty")
		}
	}
	return r.Orchestration.validate()
}

func (c *RequestContext) validate() error {
	if c.TimeoutMS < 0 || c.TimeoutMS > maxTimeoutMS {
		return errors.Validationf("timeout_ms must be within [0, %d]", maxTimeoutMS)
	}
	if c.MaxTokens < 0 || c.MaxTokens > maxRequestTokens {
		return errors.Validationf("max_tokens must be within [0, %d]", maxRequestTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.Validationf("temperature must be within [0, 2], got %g", c.Temperature)
	}
	return nil
}

func (p *PersonaConfig) validate() error {
	if p.Persona != "" && !routing.KnownPersona(p.Persona) {
		return errors.Validationf("unknown persona %q", p.Persona)
	}
	if p.ContextWindow < 0 {
		return errors.Validationf("context_window must not be negative")
	}
	if len(p.CustomInstructions) > maxInstructionBytes {
		return errors.Validationf("custom_instructions exceed %d bytes", maxInstructionBytes)
	}
	return nil
}

func (o *OrchestrationConfig) validate() error {
	if o.CollapseStrategy != "" {
		if _, err := quantum.ParseCollapse(o.CollapseStrategy, quantum.CollapseFirstSuccess); err != nil {
			return err
		}
	}
	if o.MaxVariations < 0 || o.MaxVariations > maxVariationsAllowed {
		return errors.Validationf("max_variations must be within [0, %d]", maxVariationsAllowed)
	}
	return nil
}

// normalize trims the prompt and fills identity and generation defaults.
// Call after Validate.
func (r *Request) normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.TaskID == "" {
		r.TaskID = ids.NewTaskID()
	}
	if r.Context.UserID == "" {
		r.Context.UserID = defaultUserID
	}
	if r.Context.SessionID == "" {
		r.Context.SessionID = ids.NewSessionID()
	}
	if r.Context.MaxTokens == 0 {
		r.Context.MaxTokens = defaultMaxTokens
	}
	if r.Context.Temperature == 0 {
		r.Context.Temperature = defaultTemperature
	}
}
