package triage

import (
	"context"
	"testing"
	"time"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    Verdict
		wantErr bool
	}{
		{"plain", "retry", VerdictRetry, false},
		{"uppercase", "TERMINATE", VerdictTerminate, false},
		{"narration then verdict", "agent looks wedged on a lock\nextend", VerdictExtend, false},
		{"trailing whitespace", "retry  \n", VerdictRetry, false},
		{"garbage", "maybe?", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunnerPassesRequest(t *testing.T) {
	var gotArgs []string
	r := NewRunner(func(_ context.Context, workDir string, args ...string) (string, error) {
		if workDir != "/proj" {
			t.Errorf("workDir = %q", workDir)
		}
		gotArgs = args
		return "terminate", nil
	})

	v, err := r.Triage(context.Background(), Request{
		AgentName:    "builder-1",
		ProjectRoot:  "/proj",
		LastActivity: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictTerminate {
		t.Errorf("verdict = %q", v)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "--json" {
		t.Errorf("args = %v", gotArgs)
	}
}
