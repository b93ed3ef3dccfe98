package service

import (
	"fmt"
	"sort"

	"go-relay/pkg/models"
)

// Parity selects which sequence ids a policy acts on.
type Parity int

const (
	Even Parity = iota
	Odd
)

func (p Parity) String() string {
	if p == Odd {
		return "odd"
	}
	return "even"
}

func (p Parity) Matches(id int64) bool {
	if p == Odd {
		return id%2 != 0
	}
	return id%2 == 0
}

// Policy decides, per delivery attempt, whether to commit or force a redelivery.
// The even/odd split is test policy, not a protocol rule, so variants are data.
type Policy struct {
	Name string
	// DefaultPriority is the priority a fresh message is expected to carry.
	DefaultPriority int
	// Step is how far the priority is lowered on the marked attempt.
	Step int
	// LowerParity picks the ids whose priority is lowered on the second attempt.
	LowerParity Parity
}

const (
	PolicyQueueRedelivery = "queue-redelivery"
	PolicyTopic           = "topic"
)

var builtinPolicies = map[string]Policy{
	PolicyQueueRedelivery: {
		Name:            PolicyQueueRedelivery,
		DefaultPriority: models.DefaultPriority,
		Step:            1,
		LowerParity:     Even,
	},
	PolicyTopic: {
		Name:            PolicyTopic,
		DefaultPriority: models.DefaultPriority,
		Step:            1,
		LowerParity:     Odd,
	},
}

// DefaultPolicy is the queue redelivery variant.
func DefaultPolicy() Policy {
	return builtinPolicies[PolicyQueueRedelivery]
}

// LookupPolicy returns a builtin policy by name.
func LookupPolicy(name string) (Policy, error) {
	p, ok := builtinPolicies[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown policy %q (known: %v)", name, PolicyNames())
	}
	return p, nil
}

func PolicyNames() []string {
	names := make([]string, 0, len(builtinPolicies))
	for name := range builtinPolicies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Policy) Validate() error {
	if p.DefaultPriority < models.MinPriority || p.DefaultPriority > models.MaxPriority {
		return fmt.Errorf("default priority %d outside [%d, %d]", p.DefaultPriority, models.MinPriority, models.MaxPriority)
	}
	if p.Step <= 0 {
		return fmt.Errorf("priority step must be positive, got %d", p.Step)
	}
	if p.DefaultPriority-p.Step < models.MinPriority {
		return fmt.Errorf("lowering priority %d by %d leaves the valid range", p.DefaultPriority, p.Step)
	}
	return nil
}

// Decide is the redelivery state machine:
//
//	FRESH            -> ForceRedeliver
//	REDELIVERED(def) -> lower priority if id matches LowerParity, ForceRedeliver
//	REDELIVERED(low) -> Commit
//
// It returns the outcome and the priority the message should carry on its next attempt.
func (p Policy) Decide(redelivered bool, priority int, id int64) (models.Outcome, int) {
	if !redelivered {
		return models.ForceRedeliver, priority
	}
	if priority == p.DefaultPriority {
		if p.LowerParity.Matches(id) {
			return models.ForceRedeliver, models.ClampPriority(priority - p.Step)
		}
		return models.ForceRedeliver, priority
	}
	return models.Commit, priority
}
