package flowsim

import (
	"math/rand"
	"time"
)

// Decision is the outcome of resolving a gateway: the edges to traverse
// this step, and whether the originating token forks into one child per
// edge. A single-edge decision never forks.
type Decision struct {
	Edges []Edge
	Fork  bool
}

// GatewayResolver decides which outgoing edges a token follows at a
// gateway. Randomized choices draw from an injected RNG so tests can
// seed it deterministically.
type GatewayResolver struct {
	rng *rand.Rand
}

// NewGatewayResolver creates a resolver with a time-seeded RNG.
func NewGatewayResolver() *GatewayResolver {
	return NewGatewayResolverWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewGatewayResolverWithRand creates a resolver using the given RNG.
func NewGatewayResolverWithRand(rng *rand.Rand) *GatewayResolver {
	return &GatewayResolver{rng: rng}
}

// Resolve returns the edges to traverse from the given node this step.
// For non-gateway nodes it behaves like an exclusive gateway with no
// conditions: the first outgoing edge wins. A node with no outgoing
// edges yields an empty decision (dead end, handled by the stepper).
func (r *GatewayResolver) Resolve(node Node, outgoing []Edge, random bool) Decision {
	if len(outgoing) == 0 {
		return Decision{}
	}

	if node.Kind != NodeKindGateway {
		return Decision{Edges: outgoing[:1]}
	}

	switch node.GatewaySubtype {
	case GatewayParallel:
		// Parallel splits are unconditional and always replace the
		// originating token, even with a single outgoing edge.
		return Decision{Edges: outgoing, Fork: true}
	case GatewayInclusive:
		return r.resolveInclusive(outgoing, random)
	default:
		// Exclusive, event-based, and complex gateways all use
		// single-path exclusive semantics.
		return Decision{Edges: []Edge{r.resolveExclusive(outgoing, random)}}
	}
}

// resolveExclusive picks exactly one edge. Conditional edges take
// precedence, then the default edge, then any edge. Conditions are
// opaque strings and never evaluated, so "conditional" only narrows
// the candidate set.
func (r *GatewayResolver) resolveExclusive(outgoing []Edge, random bool) Edge {
	var conditional []Edge
	for _, e := range outgoing {
		if e.HasCondition {
			conditional = append(conditional, e)
		}
	}
	if len(conditional) > 0 {
		return r.pick(conditional, random)
	}

	for _, e := range outgoing {
		if e.IsDefault {
			return e
		}
	}

	return r.pick(outgoing, random)
}

// resolveInclusive picks a non-empty subset of the outgoing edges. Under
// the deterministic policy all edges are taken so repeated runs stay
// reproducible; under the random policy the subset size is uniform in
// [1, N] and membership is drawn without replacement.
func (r *GatewayResolver) resolveInclusive(outgoing []Edge, random bool) Decision {
	if !random {
		return Decision{Edges: outgoing, Fork: len(outgoing) > 1}
	}

	n := len(outgoing)
	size := 1 + r.rng.Intn(n)

	perm := r.rng.Perm(n)
	chosen := make([]Edge, 0, size)
	for _, idx := range perm[:size] {
		chosen = append(chosen, outgoing[idx])
	}

	return Decision{Edges: chosen, Fork: len(chosen) > 1}
}

func (r *GatewayResolver) pick(edges []Edge, random bool) Edge {
	if random && len(edges) > 1 {
		return edges[r.rng.Intn(len(edges))]
	}
	return edges[0]
}
