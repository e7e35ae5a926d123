package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

type fakeRunner struct {
	rootExists       bool
	initializedUsers map[string]bool
	markCalls        []string
}

func (f *fakeRunner) CommonRootGraphExists(ctx context.Context) (bool, error) {
	return f.rootExists, nil
}

func (f *fakeRunner) IsUserGraphInitialized(ctx context.Context, userID string) (bool, error) {
	return f.initializedUsers[userID], nil
}

func (f *fakeRunner) MarkUserGraphInitialized(ctx context.Context, userID string) error {
	f.markCalls = append(f.markCalls, userID)
	return nil
}

type fakeCommitter struct {
	calls  []domain.GraphDelta
	result domain.UpsertGraphDeltaResult
	err    error
}

func (f *fakeCommitter) Run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error) {
	f.calls = append(f.calls, delta)
	return f.result, f.err
}

func TestEnsureCommonRootGraphInstallsWhenAbsent(t *testing.T) {
	runner := &fakeRunner{rootExists: false}
	committer := &fakeCommitter{result: domain.UpsertGraphDeltaResult{UniversesUpserted: 1, EntitiesUpserted: 1, BlocksUpserted: 1, EdgesUpserted: 1}}
	b := New(runner, committer, zaptest.NewLogger(t))

	err := b.EnsureCommonRootGraph(context.Background())
	require.NoError(t, err)
	require.Len(t, committer.calls, 1)
	require.Equal(t, domain.CommonUniverseID, committer.calls[0].Universes[0].ID)
	require.Equal(t, domain.CommonRootEntityID, committer.calls[0].Entities[0].ID)
	require.Equal(t, domain.CommonRootBlockID, committer.calls[0].Blocks[0].ID)
}

func TestEnsureCommonRootGraphSkipsWhenPresent(t *testing.T) {
	runner := &fakeRunner{rootExists: true}
	committer := &fakeCommitter{}
	b := New(runner, committer, zaptest.NewLogger(t))

	err := b.EnsureCommonRootGraph(context.Background())
	require.NoError(t, err)
	require.Empty(t, committer.calls)
}

func TestInitializeUserGraphBuildsDeterministicIDs(t *testing.T) {
	runner := &fakeRunner{initializedUsers: map[string]bool{}}
	committer := &fakeCommitter{result: domain.UpsertGraphDeltaResult{EntitiesUpserted: 2, BlocksUpserted: 1, EdgesUpserted: 2}}
	b := New(runner, committer, zaptest.NewLogger(t))

	result, err := b.InitializeUserGraph(context.Background(), "user-42", "Ada")
	require.NoError(t, err)
	require.Equal(t, domain.CommonUniverseID, result.UniverseID)
	require.Equal(t, 2, result.EntitiesUpserted)
	require.Len(t, committer.calls, 1)
	require.Equal(t, deterministicID("person:user-42"), committer.calls[0].Entities[0].ID)
	require.Equal(t, deterministicID("assistant:user-42"), committer.calls[0].Entities[1].ID)
	require.Equal(t, deterministicID("assistant-block:user-42"), committer.calls[0].Blocks[0].ID)
	require.Len(t, committer.calls[0].Edges, 4)
	require.Equal(t, []string{"user-42"}, runner.markCalls)

	// a second call with the same user_id always yields the same ids
	result2, err := b.InitializeUserGraph(context.Background(), "user-42", "Ada")
	require.NoError(t, err)
	require.Equal(t, result.UniverseID, result2.UniverseID)
	require.Len(t, committer.calls, 2)
	require.Equal(t, committer.calls[0].Entities[0].ID, committer.calls[1].Entities[0].ID)
}

func TestInitializeUserGraphIsIdempotent(t *testing.T) {
	runner := &fakeRunner{initializedUsers: map[string]bool{"user-1": true}}
	committer := &fakeCommitter{}
	b := New(runner, committer, zaptest.NewLogger(t))

	result, err := b.InitializeUserGraph(context.Background(), "user-1", "Ada")
	require.NoError(t, err)
	require.Equal(t, domain.CommonUniverseID, result.UniverseID)
	require.Zero(t, result.EntitiesUpserted)
	require.Empty(t, committer.calls)
}
