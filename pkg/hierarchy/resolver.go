// Package hierarchy contains the traversal and aggregation primitives used
// across the governance modules. The organization tree itself is owned by an
// external service; this package only consumes its resolved shape.
package hierarchy

import (
	"context"

	"github.com/google/uuid"
)

// Resolver is the consumed contract of the external organization service.
// AncestorChain returns ids ordered nearest-ancestor first, starting with the
// organization itself; RootOf returns uuid.Nil when the organization does not
// belong to any tree.
type Resolver interface {
	AncestorChain(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)
	RootOf(ctx context.Context, orgID uuid.UUID) (uuid.UUID, error)
	ParentOf(ctx context.Context, orgID uuid.UUID) (uuid.UUID, error)
}

// DepthPolicy bounds hierarchy walks. MinDepthReached is consulted before
// each node is fetched; depth is the number of nodes already visited.
type DepthPolicy interface {
	MinDepthReached(ctx context.Context, orgID uuid.UUID, depth int) (bool, error)
}

type depthLimit int

// DepthLimit stops a walk after n nodes. A non-positive n never stops.
func DepthLimit(n int) DepthPolicy { return depthLimit(n) }

func (d depthLimit) MinDepthReached(_ context.Context, _ uuid.UUID, depth int) (bool, error) {
	return d > 0 && depth >= int(d), nil
}

// Unbounded is the default policy: the whole chain is walked.
var Unbounded DepthPolicy = depthLimit(0)
