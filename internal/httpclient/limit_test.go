package httpclient

import (
	"bytes"
	"strings"
	"testing"

	"prism/internal/errors"
)

func TestReadAllWithLimit(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		limit   int64
		wantErr bool
	}{
		{"within limit", "hello", 5, false},
		{"over limit", "hello", 2, true},
		{"zero limit reads unbounded", strings.Repeat("x", 4096), 0, false},
		{"negative limit reads unbounded", "hello", -1, false},
		{"empty body", "", 10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadAllWithLimit(strings.NewReader(tc.body), tc.limit)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.IsKind(err, errors.KindProvider) {
					t.Fatalf("wrong kind: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, []byte(tc.body)) {
				t.Fatalf("body mangled: got %d bytes, want %d", len(got), len(tc.body))
			}
		})
	}
}

func TestReadAllWithLimitExactBoundary(t *testing.T) {
	payload := strings.Repeat("y", 64)
	got, err := ReadAllWithLimit(strings.NewReader(payload), 64)
	if err != nil {
		t.Fatalf("body at the limit must pass: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("got %d bytes, want 64", len(got))
	}
	if _, err := ReadAllWithLimit(strings.NewReader(payload), 63); err == nil {
		t.Fatal("one byte over the limit must fail")
	}
}
