package hierarchy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setUnion(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func TestMergeAll_UnionsValuesAlongChain(t *testing.T) {
	chain := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	values := map[uuid.UUID]map[string]struct{}{
		chain[0]: set("a"),
		chain[2]: set("b"),
	}
	fetch := func(_ context.Context, orgID uuid.UUID) (map[string]struct{}, bool, error) {
		v, ok := values[orgID]
		return v, ok, nil
	}

	s := NewMergeAll(nil, setUnion)
	got, ok, err := s.Aggregate(context.Background(), chain, fetch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, set("a", "b"), got)
}

func TestMergeAll_DepthCutoffStopsWalk(t *testing.T) {
	chain := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	values := map[uuid.UUID]map[string]struct{}{
		chain[0]: set("a"),
		chain[2]: set("b"),
	}
	fetch := func(_ context.Context, orgID uuid.UUID) (map[string]struct{}, bool, error) {
		v, ok := values[orgID]
		return v, ok, nil
	}

	s := NewMergeAll(DepthLimit(1), setUnion)
	got, ok, err := s.Aggregate(context.Background(), chain, fetch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, set("a"), got)
}

func TestMergeAll_EmptyChain(t *testing.T) {
	s := NewMergeAll(nil, setUnion)
	_, ok, err := s.Aggregate(context.Background(), nil, func(context.Context, uuid.UUID) (map[string]struct{}, bool, error) {
		t.Fatal("fetch must not be called for an empty chain")
		return nil, false, nil
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMergeAll_FetchErrorAbortsWithoutPartialResult(t *testing.T) {
	chain := []uuid.UUID{uuid.New(), uuid.New()}
	boom := errors.New("store down")
	fetch := func(_ context.Context, orgID uuid.UUID) (map[string]struct{}, bool, error) {
		if orgID == chain[0] {
			return set("a"), true, nil
		}
		return nil, false, boom
	}

	s := NewMergeAll(nil, setUnion)
	got, ok, err := s.Aggregate(context.Background(), chain, fetch)
	require.ErrorIs(t, err, boom)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestMergeAll_WithApplications(t *testing.T) {
	org1, org2 := uuid.New(), uuid.New()
	app1 := uuid.New()
	chain := []uuid.UUID{org1, org2}
	apps := map[uuid.UUID]uuid.UUID{org1: app1}

	var seen []uuid.UUID
	fetch := func(_ context.Context, orgID, appID uuid.UUID) (map[string]struct{}, bool, error) {
		seen = append(seen, appID)
		if orgID == org1 {
			return set("x"), true, nil
		}
		return nil, false, nil
	}

	s := NewMergeAll(nil, setUnion)
	got, ok, err := s.AggregateWithApplications(context.Background(), chain, apps, fetch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, set("x"), got)
	require.Equal(t, []uuid.UUID{app1, uuid.Nil}, seen)
}

func TestFirstFound_ReturnsNearestAncestorValue(t *testing.T) {
	chain := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	values := map[uuid.UUID]string{
		chain[1]: "near",
		chain[2]: "far",
	}
	fetch := func(_ context.Context, orgID uuid.UUID) (string, bool, error) {
		v, ok := values[orgID]
		return v, ok, nil
	}

	s := NewFirstFound[string](nil)
	got, ok, err := s.Aggregate(context.Background(), chain, fetch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "near", got)
}

func TestFirstFound_NoValueAnywhere(t *testing.T) {
	s := NewFirstFound[string](nil)
	_, ok, err := s.Aggregate(context.Background(), []uuid.UUID{uuid.New()}, func(context.Context, uuid.UUID) (string, bool, error) {
		return "", false, nil
	})
	require.NoError(t, err)
	require.False(t, ok)
}
