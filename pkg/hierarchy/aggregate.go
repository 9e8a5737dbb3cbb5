package hierarchy

import (
	"context"

	"github.com/google/uuid"
)

// Fetch resolves the resource owned by one organization. ok is false when the
// organization holds no value for this resource.
type Fetch[T any] func(ctx context.Context, orgID uuid.UUID) (value T, ok bool, err error)

// AppFetch additionally receives the application id mapped to the
// organization (uuid.Nil when unmapped).
type AppFetch[T any] func(ctx context.Context, orgID, appID uuid.UUID) (value T, ok bool, err error)

// Strategy combines per-organization values found while walking an ancestor
// chain into one effective value. Implementations must not return partial
// results when a fetch fails.
type Strategy[T any] interface {
	Aggregate(ctx context.Context, chain []uuid.UUID, fetch Fetch[T]) (T, bool, error)
	AggregateWithApplications(ctx context.Context, chain []uuid.UUID, apps map[uuid.UUID]uuid.UUID, fetch AppFetch[T]) (T, bool, error)
}

// MergeAll folds every value found along the chain with merge: the first
// value found seeds the aggregate, later values are folded in as
// merge(running, found).
type MergeAll[T any] struct {
	Depth DepthPolicy
	Merge func(acc, next T) T
}

func NewMergeAll[T any](depth DepthPolicy, merge func(acc, next T) T) *MergeAll[T] {
	if depth == nil {
		depth = Unbounded
	}
	return &MergeAll[T]{Depth: depth, Merge: merge}
}

func (s *MergeAll[T]) Aggregate(ctx context.Context, chain []uuid.UUID, fetch Fetch[T]) (T, bool, error) {
	return s.AggregateWithApplications(ctx, chain, nil, func(ctx context.Context, orgID, _ uuid.UUID) (T, bool, error) {
		return fetch(ctx, orgID)
	})
}

func (s *MergeAll[T]) AggregateWithApplications(ctx context.Context, chain []uuid.UUID, apps map[uuid.UUID]uuid.UUID, fetch AppFetch[T]) (T, bool, error) {
	var acc T
	found := false
	for depth, orgID := range chain {
		stop, err := s.Depth.MinDepthReached(ctx, orgID, depth)
		if err != nil {
			var zero T
			return zero, false, err
		}
		if stop {
			break
		}

		value, ok, err := fetch(ctx, orgID, apps[orgID])
		if err != nil {
			var zero T
			return zero, false, err
		}
		if !ok {
			continue
		}
		if !found {
			acc = value
			found = true
			continue
		}
		acc = s.Merge(acc, value)
	}
	if !found {
		var zero T
		return zero, false, nil
	}
	return acc, true, nil
}

// FirstFound returns the value of the nearest ancestor that has one.
type FirstFound[T any] struct {
	Depth DepthPolicy
}

func NewFirstFound[T any](depth DepthPolicy) *FirstFound[T] {
	if depth == nil {
		depth = Unbounded
	}
	return &FirstFound[T]{Depth: depth}
}

func (s *FirstFound[T]) Aggregate(ctx context.Context, chain []uuid.UUID, fetch Fetch[T]) (T, bool, error) {
	return s.AggregateWithApplications(ctx, chain, nil, func(ctx context.Context, orgID, _ uuid.UUID) (T, bool, error) {
		return fetch(ctx, orgID)
	})
}

func (s *FirstFound[T]) AggregateWithApplications(ctx context.Context, chain []uuid.UUID, apps map[uuid.UUID]uuid.UUID, fetch AppFetch[T]) (T, bool, error) {
	for depth, orgID := range chain {
		stop, err := s.Depth.MinDepthReached(ctx, orgID, depth)
		if err != nil {
			var zero T
			return zero, false, err
		}
		if stop {
			break
		}

		value, ok, err := fetch(ctx, orgID, apps[orgID])
		if err != nil {
			var zero T
			return zero, false, err
		}
		if ok {
			return value, true, nil
		}
	}
	var zero T
	return zero, false, nil
}
