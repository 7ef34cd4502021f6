package engine

import (
	"time"

	"github.com/elspeth-engine/elspeth/engine/expr"
	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// RouteContinue is the gate destination meaning "stay on the main
// chain" instead of diverting to a named sink.
const RouteContinue = "continue"

// GateSpec configures a gate node. Gates are first-class engine
// operations, not plugins: the engine evaluates Condition over the
// row and routes by the result.
//
// Selection works two ways:
//   - Condition gates: the expression result picks one route label
//     (booleans map to "true"/"false", strings to themselves).
//   - Fork gates: ForkTo lists several labels; the token is copied
//     down every one. Mode must be copy and labels must be distinct.
type GateSpec struct {
	Name      string
	Condition string
	Routes    map[string]string // label -> sink name or RouteContinue
	Mode      landscape.RouteMode
	ForkTo    []string

	compiled *expr.Expr
}

// AggregationSpec configures an aggregation node: a plugin that
// consumes whole batches, and the triggers that close a batch.
// END_OF_SOURCE always applies; the rest are optional.
type AggregationSpec struct {
	Name   string
	Plugin Aggregation

	// MaxCount flushes when the buffer reaches this size. 0 disables.
	MaxCount int
	// MaxAge flushes when the oldest buffered row is older than this.
	// 0 disables.
	MaxAge time.Duration
	// Condition flushes when the expression holds for the row just
	// buffered. Empty disables.
	Condition string

	compiled *expr.Expr
}

// CoalesceSpec configures a coalesce node, which rejoins the children
// of a fork: it holds sibling tokens until every branch of their fork
// group has arrived, then merges the branch rows in branch order and
// continues with one coalesced token.
type CoalesceSpec struct {
	Name string
}

// Step is one position in the pipeline chain. Exactly one field is
// set.
type Step struct {
	Transform   Transform
	Gate        *GateSpec
	Aggregation *AggregationSpec
	Coalesce    *CoalesceSpec
}

func (s *Step) kind() landscape.NodeType {
	switch {
	case s.Transform != nil:
		return landscape.NodeTransform
	case s.Gate != nil:
		return landscape.NodeGate
	case s.Aggregation != nil:
		return landscape.NodeAggregation
	case s.Coalesce != nil:
		return landscape.NodeCoalesce
	}
	return ""
}

func (s *Step) name() string {
	switch {
	case s.Transform != nil:
		return s.Transform.Name()
	case s.Gate != nil:
		return s.Gate.Name
	case s.Aggregation != nil:
		return s.Aggregation.Name
	case s.Coalesce != nil:
		return s.Coalesce.Name
	}
	return ""
}

// Pipeline is the declarative shape of a run: a source, an ordered
// chain of steps, and named sinks. Tokens that reach the end of the
// chain go to DefaultSink; terminally failed rows go to FailureSink
// when set, otherwise the row is marked failed.
type Pipeline struct {
	Source      Source
	Steps       []Step
	Sinks       map[string]Sink
	DefaultSink string
	FailureSink string
}

// Validate checks the pipeline shape before any audit state exists.
// Everything caught here is a ValidationError; nothing here touches
// the database.
func (p *Pipeline) Validate() error {
	if p.Source == nil {
		return validationf("source", "pipeline requires a source")
	}
	if len(p.Sinks) == 0 {
		return validationf("sinks", "pipeline requires at least one sink")
	}
	if p.DefaultSink == "" {
		return validationf("default_sink", "pipeline requires a default sink")
	}
	if _, ok := p.Sinks[p.DefaultSink]; !ok {
		return validationf("default_sink", "unknown sink %q", p.DefaultSink)
	}
	if p.FailureSink != "" {
		if _, ok := p.Sinks[p.FailureSink]; !ok {
			return validationf("failure_sink", "unknown sink %q", p.FailureSink)
		}
	}
	for name, sink := range p.Sinks {
		if sink == nil {
			return validationf("sinks", "sink %q is nil", name)
		}
	}

	seen := make(map[string]bool)
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := p.validateStep(step); err != nil {
			return err
		}
		if seen[step.name()] {
			return validationf("steps", "duplicate step name %q", step.name())
		}
		seen[step.name()] = true
	}
	return nil
}

func (p *Pipeline) validateStep(step *Step) error {
	set := 0
	if step.Transform != nil {
		set++
	}
	if step.Gate != nil {
		set++
	}
	if step.Aggregation != nil {
		set++
	}
	if step.Coalesce != nil {
		set++
	}
	if set != 1 {
		return validationf("steps", "step must set exactly one of transform/gate/aggregation/coalesce, got %d", set)
	}

	switch {
	case step.Gate != nil:
		return p.validateGate(step.Gate)
	case step.Aggregation != nil:
		return p.validateAggregation(step.Aggregation)
	case step.Coalesce != nil:
		if step.Coalesce.Name == "" {
			return validationf("coalesce", "coalesce step requires a name")
		}
	}
	return nil
}

func (p *Pipeline) validateGate(gate *GateSpec) error {
	if gate.Name == "" {
		return validationf("gate", "gate requires a name")
	}
	if len(gate.Routes) == 0 {
		return validationf("gate", "gate %q has no routes", gate.Name)
	}
	for label, dest := range gate.Routes {
		if dest == RouteContinue {
			continue
		}
		if _, ok := p.Sinks[dest]; !ok {
			return validationf("gate", "gate %q route %q targets unknown sink %q", gate.Name, label, dest)
		}
	}

	if len(gate.ForkTo) > 0 {
		if gate.Mode != landscape.RouteCopy {
			return validationf("gate", "gate %q forks and must use copy mode", gate.Name)
		}
		dup := make(map[string]bool, len(gate.ForkTo))
		for _, label := range gate.ForkTo {
			if dup[label] {
				return validationf("gate", "gate %q forks to %q twice", gate.Name, label)
			}
			dup[label] = true
			if _, ok := gate.Routes[label]; !ok {
				return validationf("gate", "gate %q forks to unknown route %q", gate.Name, label)
			}
		}
	} else if gate.Condition == "" {
		return validationf("gate", "gate %q needs a condition or fork labels", gate.Name)
	}

	if gate.Condition != "" {
		compiled, err := expr.Compile(gate.Condition)
		if err != nil {
			return validationf("gate", "gate %q condition: %v", gate.Name, err)
		}
		gate.compiled = compiled
	}
	if gate.Mode == "" {
		gate.Mode = landscape.RouteMove
	}
	return nil
}

func (p *Pipeline) validateAggregation(agg *AggregationSpec) error {
	if agg.Name == "" {
		return validationf("aggregation", "aggregation requires a name")
	}
	if agg.Plugin == nil {
		return validationf("aggregation", "aggregation %q requires a plugin", agg.Name)
	}
	if agg.MaxCount < 0 {
		return validationf("aggregation", "aggregation %q max count must be >= 0", agg.Name)
	}
	if agg.Condition != "" {
		compiled, err := expr.Compile(agg.Condition)
		if err != nil {
			return validationf("aggregation", "aggregation %q condition: %v", agg.Name, err)
		}
		agg.compiled = compiled
	}
	return nil
}
