package agentview

import (
	"testing"
	"time"

	"cortex/internal/gateway"
)

var now = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func TestSignatureOrderIndependent(t *testing.T) {
	a := []AgentSession{
		{ID: "s1", Status: ViewRunning, Tokens: TokenUsage{Total: 100}},
		{ID: "s2", Status: ViewComplete, Tokens: TokenUsage{Total: 50}},
		{ID: "s3", Status: ViewIdle, Tokens: TokenUsage{Total: 0}},
	}
	b := []AgentSession{a[2], a[0], a[1]}

	if Signature(a) != Signature(b) {
		t.Error("permuted snapshots produced different signatures")
	}
}

func TestSignatureSensitiveToMemberChanges(t *testing.T) {
	base := []AgentSession{
		{ID: "s1", Status: ViewRunning, Tokens: TokenUsage{Total: 100}},
		{ID: "s2", Status: ViewComplete, Tokens: TokenUsage{Total: 50}},
	}
	mutations := []struct {
		name   string
		mutate func([]AgentSession)
	}{
		{"status change", func(s []AgentSession) { s[0].Status = ViewComplete }},
		{"token change", func(s []AgentSession) { s[1].Tokens.Total = 51 }},
		{"id change", func(s []AgentSession) { s[0].ID = "s9" }},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			changed := make([]AgentSession, len(base))
			copy(changed, base)
			m.mutate(changed)
			if Signature(base) == Signature(changed) {
				t.Error("signature unchanged after mutation")
			}
		})
	}
}

func TestFromGatewayStatusAndTokens(t *testing.T) {
	sessions := FromGateway([]gateway.Session{
		{Key: "s1", Label: "researching trends", UpdatedAt: now.Add(-5 * time.Second).UnixMilli(), TotalTokens: 900, ContextTokens: 300},
		{Key: "s2", Kind: "subagent", UpdatedAt: now.Add(-2 * time.Minute).UnixMilli()},
		{Key: "s3", UpdatedAt: now.Add(-2 * time.Minute).UnixMilli()},
		{Key: "s4", AbortedLastRun: true},
	}, now)

	want := []ViewStatus{ViewRunning, ViewComplete, ViewIdle, ViewFailed}
	for i, session := range sessions {
		if session.Status != want[i] {
			t.Errorf("session %d status = %s, want %s", i, session.Status, want[i])
		}
	}
	if tok := sessions[0].Tokens; tok.Input != 300 || tok.Output != 600 || tok.Total != 900 {
		t.Errorf("tokens = %+v", tok)
	}
}

func TestDisplayLabelDerivation(t *testing.T) {
	cases := []struct {
		id, label, want string
	}{
		{"host:tg:main", "", "Main Agent"},
		{"host:tg:subagent:abcdef1234567890", "", "Subagent abcdef12"},
		{"host:tg:voice", "", "Voice Session"},
		{"host:tg:cron", "", "Cron"},
		{"plain", "", "plain"},
		{"anything", "My Label", "My Label"},
		{"averyveryverylongsessionidentifier", "", "averyveryverylongses"},
	}
	for _, c := range cases {
		if got := displayLabel(c.id, c.label); got != c.want {
			t.Errorf("displayLabel(%q, %q) = %q, want %q", c.id, c.label, got, c.want)
		}
	}
}

func TestFormatRuntime(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want string
	}{
		{500 * time.Millisecond, "<1s"},
		{12 * time.Second, "12s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
	}
	for _, c := range cases {
		if got := formatRuntime(now.Add(-c.age), now); got != c.want {
			t.Errorf("formatRuntime(%v) = %q, want %q", c.age, got, c.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]AgentSession{
		{Status: ViewRunning}, {Status: ViewRunning},
		{Status: ViewComplete}, {Status: ViewFailed}, {Status: ViewIdle},
	})
	if s.Total != 5 || s.Running != 2 || s.Completed != 1 || s.Failed != 1 || s.Idle != 1 {
		t.Errorf("summary = %+v", s)
	}
}
