// Package agent holds the proposal agents, the synthesizer that merges a
// round's proposals into one candidate, and the scorer.
package agent

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand/v2"

	"genflow/internal/domain"
)

// Agent produces exactly one proposal per round. Implementations must not
// read shared mutable state; all entropy comes from State.Rand.
type Agent interface {
	Name() string
	Propose(ctx context.Context, state State) (domain.Proposal, error)
}

// State is the read-only generation state handed to every agent of a round.
type State struct {
	Round   int
	Seed    uint64
	Context json.RawMessage
}

// Rand returns a random stream private to (seed, round, stream).
func (s State) Rand(stream string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stream))
	return rand.New(rand.NewPCG(s.Seed, h.Sum64()+uint64(s.Round)*0x9e3779b97f4a7c15))
}

type choiceAgent struct {
	name    string
	key     string
	options []string
}

func (a choiceAgent) Name() string {
	return a.name
}

func (a choiceAgent) Propose(ctx context.Context, state State) (domain.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return domain.Proposal{}, err
	}
	rng := state.Rand(a.name)
	value := a.options[rng.IntN(len(a.options))]
	return domain.Proposal{
		Agent: a.name,
		Data:  map[string]string{a.key: value},
		Keys:  []string{a.key},
	}, nil
}

func NewAesthetics() Agent {
	return choiceAgent{name: "aesthetics", key: "color", options: []string{"red", "blue", "green"}}
}

func NewSustainability() Agent {
	return choiceAgent{name: "sustainability", key: "energy", options: []string{"solar", "geothermal"}}
}

func NewCost() Agent {
	return choiceAgent{name: "cost", key: "cost_level", options: []string{"low", "medium", "high"}}
}

func NewAccessibility() Agent {
	return choiceAgent{name: "accessibility", key: "feature", options: []string{"ramp", "elevator"}}
}

func NewStructural() Agent {
	return choiceAgent{name: "structural", key: "structure", options: []string{"steel", "timber"}}
}

// Defaults returns the canonical agent set, one per design concern.
func Defaults() []Agent {
	return []Agent{
		NewAesthetics(),
		NewSustainability(),
		NewCost(),
		NewAccessibility(),
		NewStructural(),
	}
}

// Func adapts a plain function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, state State) (domain.Proposal, error)
}

func (f Func) Name() string {
	return f.AgentName
}

func (f Func) Propose(ctx context.Context, state State) (domain.Proposal, error) {
	return f.Fn(ctx, state)
}
