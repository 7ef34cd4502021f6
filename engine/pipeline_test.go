package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

func validPipeline() *Pipeline {
	return &Pipeline{
		Source:      &sliceSource{name: "src", rows: []Row{{"v": 1}}},
		Sinks:       map[string]Sink{"out": &memorySink{name: "out", resumable: true}},
		DefaultSink: "out",
	}
}

func TestPipelineValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Pipeline)
	}{
		{"missing source", func(p *Pipeline) { p.Source = nil }},
		{"no sinks", func(p *Pipeline) { p.Sinks = nil }},
		{"missing default sink", func(p *Pipeline) { p.DefaultSink = "" }},
		{"unknown default sink", func(p *Pipeline) { p.DefaultSink = "nope" }},
		{"unknown failure sink", func(p *Pipeline) { p.FailureSink = "nope" }},
		{"nil sink", func(p *Pipeline) { p.Sinks["bad"] = nil }},
		{"step with nothing set", func(p *Pipeline) {
			p.Steps = []Step{{}}
		}},
		{"duplicate step names", func(p *Pipeline) {
			identity := func(row Row) TransformResult { return Succeed(row) }
			p.Steps = []Step{
				{Transform: &funcTransform{name: "same", fn: identity}},
				{Transform: &funcTransform{name: "same", fn: identity}},
			}
		}},
		{"gate without routes", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{Name: "g", Condition: "row.x == 1"}}}
		}},
		{"gate route to unknown sink", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name: "g", Condition: "row.x == 1",
				Routes: map[string]string{"true": "nope", "false": "out"},
			}}}
		}},
		{"gate without condition or fork", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name:   "g",
				Routes: map[string]string{"true": "out"},
			}}}
		}},
		{"gate condition syntax error", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name: "g", Condition: "row.x ==",
				Routes: map[string]string{"true": "out"},
			}}}
		}},
		{"fork gate not in copy mode", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name:   "g",
				Mode:   landscape.RouteMove,
				ForkTo: []string{"a", "b"},
				Routes: map[string]string{"a": "out", "b": "out"},
			}}}
		}},
		{"fork gate duplicate branch", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name:   "g",
				Mode:   landscape.RouteCopy,
				ForkTo: []string{"a", "a"},
				Routes: map[string]string{"a": "out"},
			}}}
		}},
		{"fork gate unknown branch route", func(p *Pipeline) {
			p.Steps = []Step{{Gate: &GateSpec{
				Name:   "g",
				Mode:   landscape.RouteCopy,
				ForkTo: []string{"a", "b"},
				Routes: map[string]string{"a": "out"},
			}}}
		}},
		{"aggregation without plugin", func(p *Pipeline) {
			p.Steps = []Step{{Aggregation: &AggregationSpec{Name: "agg"}}}
		}},
		{"aggregation condition syntax error", func(p *Pipeline) {
			p.Steps = []Step{{Aggregation: &AggregationSpec{
				Name: "agg", Plugin: &sumAggregation{name: "agg"}, Condition: "(",
			}}}
		}},
		{"coalesce without name", func(p *Pipeline) {
			p.Steps = []Step{{Coalesce: &CoalesceSpec{}}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPipeline()
			tc.mutate(p)
			err := p.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Validate() = %v, want a ValidationError", err)
			}
		})
	}

	t.Run("valid pipeline passes", func(t *testing.T) {
		if err := validPipeline().Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
		{10, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{true, "true"},
		{false, "false"},
		{"premium", "premium"},
		{nil, "null"},
		{float64(3), "3"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.value); got != tc.want {
			t.Errorf("routeLabel(%v) = %q, want %q", tc.value, got, tc.want)
		}
	}
}
