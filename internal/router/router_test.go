package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/nugget/planwright/internal/window"
)

var testPolicy = Policy{MaxEntities: 12, MaxTurns: 16}

func newTestRouter() *Router {
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Policy:       testPolicy,
		EconomyModel: "qwen3:4b",
		CapableModel: "claude-sonnet-4-20250514",
		MaxAuditLog:  3,
	})
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name   string
		sig    window.Signals
		schema bool
		want   Tier
	}{
		{"plain chat", window.Signals{TurnCount: 3, EntityCount: 2, TextDepth: 400}, false, TierEconomy},
		{"at thresholds", window.Signals{TurnCount: 16, EntityCount: 12}, false, TierEconomy},
		{"media", window.Signals{HasMedia: true}, false, TierCapable},
		{"many entities", window.Signals{EntityCount: 13}, false, TierCapable},
		{"long history", window.Signals{TurnCount: 17}, false, TierCapable},
		{"schema", window.Signals{}, true, TierCapable},
		{"deep text alone", window.Signals{TextDepth: 1 << 20}, false, TierEconomy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.sig, testPolicy, tt.schema); got != tt.want {
				t.Errorf("Select(%+v, schema=%v) = %v, want %v", tt.sig, tt.schema, got, tt.want)
			}
		})
	}
}

func TestSelect_PureAndSchemaAlwaysCapable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sig := window.Signals{
			HasMedia:    rapid.Bool().Draw(rt, "media"),
			TurnCount:   rapid.IntRange(0, 100).Draw(rt, "turns"),
			EntityCount: rapid.IntRange(0, 100).Draw(rt, "entities"),
			TextDepth:   rapid.IntRange(0, 10000).Draw(rt, "depth"),
		}
		schema := rapid.Bool().Draw(rt, "schema")

		first := Select(sig, testPolicy, schema)
		for range 3 {
			if again := Select(sig, testPolicy, schema); again != first {
				rt.Fatalf("Select not deterministic: %v then %v", first, again)
			}
		}
		if schema && first != TierCapable {
			rt.Fatalf("schema-requiring selection returned %v", first)
		}
	})
}

func TestRoute_RecordsDecision(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	tier, d := r.Route(ctx, Request{
		Signals:  window.Signals{HasMedia: true, TurnCount: 20},
		CallSite: "task_chat",
		Entity:   "task/replace-faucet",
	})
	if tier != TierCapable || d.ModelSelected != "claude-sonnet-4-20250514" {
		t.Fatalf("Route = %v / %s", tier, d.ModelSelected)
	}
	if diff := cmp.Diff([]string{RuleMedia, RuleTurns}, d.RulesMatched); diff != "" {
		t.Errorf("RulesMatched (-want +got):\n%s", diff)
	}

	r.RecordOutcome(d.RequestID, 250*time.Millisecond, 1200, true)
	got := r.Explain(d.RequestID)
	if got == nil || got.LatencyMs != 250 || got.Success == nil || !*got.Success {
		t.Errorf("Explain after outcome = %+v", got)
	}
	if r.Explain("no-such-id") != nil {
		t.Error("Explain of unknown id should be nil")
	}

	stats := r.GetStats()
	if stats.TotalRequests != 1 || stats.TierCounts["capable"] != 1 || stats.RuleCounts[RuleMedia] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgLatencyMs["claude-sonnet-4-20250514"] != 250 {
		t.Errorf("avg latency = %v", stats.AvgLatencyMs)
	}
}

func TestRoute_EconomyModel(t *testing.T) {
	r := newTestRouter()
	tier, d := r.Route(context.Background(), Request{Signals: window.Signals{TurnCount: 2}})
	if tier != TierEconomy || d.ModelSelected != "qwen3:4b" {
		t.Errorf("Route = %v / %s, want economy / qwen3:4b", tier, d.ModelSelected)
	}
	if len(d.RulesMatched) != 0 {
		t.Errorf("RulesMatched = %v, want none", d.RulesMatched)
	}
}

func TestAuditLog_Bounded(t *testing.T) {
	r := newTestRouter()
	var last string
	for range 5 {
		_, d := r.Route(context.Background(), Request{})
		last = d.RequestID
	}

	log := r.GetAuditLog(0)
	if len(log) != 3 {
		t.Fatalf("audit log len = %d, want 3", len(log))
	}
	if log[len(log)-1].RequestID != last {
		t.Error("audit log does not end with the newest decision")
	}
	if got := r.GetAuditLog(1); len(got) != 1 || got[0].RequestID != last {
		t.Errorf("GetAuditLog(1) = %+v", got)
	}
}

func TestStats_Snapshot(t *testing.T) {
	r := newTestRouter()
	r.Route(context.Background(), Request{})
	s := r.GetStats()
	s.TierCounts["economy"] = 99
	if r.GetStats().TierCounts["economy"] != 1 {
		t.Error("GetStats returned shared map")
	}
}

func TestTier_MarshalText(t *testing.T) {
	b, _ := TierCapable.MarshalText()
	if string(b) != "capable" {
		t.Errorf("MarshalText = %q", b)
	}
}
