package routing

import "testing"

func TestSlashCommandOverridesRequestedPersona(t *testing.T) {
	persona, cleaned := ResolvePersona("/security audit the login flow", "developer", "")
	if persona != "security_analyst" {
		t.Fatalf("persona = %q, want security_analyst", persona)
	}
	if cleaned != "audit the login flow" {
		t.Fatalf("cleaned = %q", cleaned)
	}
}

func TestSlashCommandAloneLeavesEmptyPrompt(t *testing.T) {
	persona, cleaned := ResolvePersona("/dev", "", "")
	if persona != "developer" || cleaned != "" {
		t.Fatalf("got (%q, %q)", persona, cleaned)
	}
}

func TestUnknownSlashCommandKeptInPrompt(t *testing.T) {
	persona, cleaned := ResolvePersona("/deploy to staging", "tester", "")
	if persona != "tester" {
		t.Fatalf("persona = %q, want tester", persona)
	}
	if cleaned != "/deploy to staging" {
		t.Fatalf("cleaned = %q, want prompt untouched", cleaned)
	}
}

func TestPersonaPrecedence(t *testing.T) {
	if persona, _ := ResolvePersona("hello", "architect", "reviewer"); persona != "architect" {
		t.Fatalf("requested persona lost: %q", persona)
	}
	if persona, _ := ResolvePersona("hello", "", "reviewer"); persona != "reviewer" {
		t.Fatalf("fallback persona lost: %q", persona)
	}
	if persona, _ := ResolvePersona("hello", "", ""); persona != DefaultPersona {
		t.Fatalf("default persona lost: %q", persona)
	}
}

func TestEverySlashCommandMapsToKnownPersona(t *testing.T) {
	for command, persona := range slashPersonas {
		if !KnownPersona(persona) {
			t.Errorf("slash /%s maps to unknown persona %q", command, persona)
		}
	}
}

func TestParseTaskType(t *testing.T) {
	cases := []struct {
		in   string
		want ContextType
		ok   bool
	}{
		{"debugging", ContextDebugging, true},
		{"debug", ContextDebugging, true},
		{"DEBUG", ContextDebugging, true},
		{"code_generation", ContextCodeGeneration, true},
		{"docs", ContextDocumentation, true},
		{"", "", true},
		{"juggling", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseTaskType(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseTaskType(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassifyContext(t *testing.T) {
	if got := ClassifyContext("anything at all", ContextTesting); got != ContextTesting {
		t.Fatalf("explicit task type ignored: %s", got)
	}
	if got := ClassifyContext("the server panics with a stack trace, fix the bug", ""); got != ContextDebugging {
		t.Fatalf("debugging prompt classified as %s", got)
	}
	if got := ClassifyContext("what is the capital of France", ""); got != ContextGeneral {
		t.Fatalf("plain prompt classified as %s", got)
	}
}
