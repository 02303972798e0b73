package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	dbA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	dbB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func version(data string, entries ...model.ChangeVectorEntry) model.DocumentVersion {
	return model.DocumentVersion{
		Data:         json.RawMessage(data),
		ChangeVector: algorithm.NewChangeVectorOps().Normalize(entries),
	}
}

func entry(db uuid.UUID, etag uint64) model.ChangeVectorEntry {
	return model.ChangeVectorEntry{DbID: db, Etag: etag}
}

func TestSelectPrecedence(t *testing.T) {
	resolverID := dbA

	tests := []struct {
		name       string
		collection string
		cfg        *model.ConflictSolverConfig
		self       uuid.UUID
		expected   Selection
	}{
		{
			name:     "nil config",
			expected: Selection{Strategy: StrategyNone},
		},
		{
			name:       "script wins over everything",
			collection: "Users",
			cfg: &model.ConflictSolverConfig{
				ResolveByCollection: map[string]model.ScriptResolver{"Users": {Script: "return docs[0];"}},
				DatabaseResolverID:  &resolverID,
				ResolveToLatest:     true,
			},
			self:     dbB,
			expected: Selection{Strategy: StrategyScript, Script: "return docs[0];", Authoritative: true},
		},
		{
			name:       "script for another collection is ignored",
			collection: "Orders",
			cfg: &model.ConflictSolverConfig{
				ResolveByCollection: map[string]model.ScriptResolver{"Users": {Script: "return docs[0];"}},
				ResolveToLatest:     true,
			},
			expected: Selection{Strategy: StrategyLatest, Authoritative: true},
		},
		{
			name:       "designated resolver on the resolver itself",
			collection: "Users",
			cfg:        &model.ConflictSolverConfig{DatabaseResolverID: &resolverID, ResolveToLatest: true},
			self:       dbA,
			expected:   Selection{Strategy: StrategyDesignated, ResolverID: dbA, Authoritative: true},
		},
		{
			name:       "designated resolver elsewhere defers",
			collection: "Users",
			cfg:        &model.ConflictSolverConfig{DatabaseResolverID: &resolverID},
			self:       dbB,
			expected:   Selection{Strategy: StrategyDesignated, ResolverID: dbA, Authoritative: false},
		},
		{
			name:       "empty config leaves conflicts pending",
			collection: "Users",
			cfg:        &model.ConflictSolverConfig{},
			expected:   Selection{Strategy: StrategyNone},
		},
		{
			name:       "system collection always resolves to latest",
			collection: model.SystemCollection,
			expected:   Selection{Strategy: StrategyLatest, Authoritative: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Select(tt.collection, tt.cfg, tt.self))
		})
	}
}

func TestResolveLatest(t *testing.T) {
	r := NewResolver(nil)

	t.Run("highest etag wins", func(t *testing.T) {
		versions := []model.DocumentVersion{
			version(`{"Name":"Store1"}`, entry(dbA, 1)),
			version(`{"Name":"Store2"}`, entry(dbB, 2)),
		}
		res := r.ResolveLatest(versions)

		assert.JSONEq(t, `{"Name":"Store2"}`, string(res.Data))
		assert.Equal(t, 1, res.Winner)
		assert.Equal(t, uint64(1), res.ChangeVector.EtagFor(dbA))
		assert.Equal(t, uint64(2), res.ChangeVector.EtagFor(dbB))
	})

	t.Run("ties go to the highest database id", func(t *testing.T) {
		versions := []model.DocumentVersion{
			version(`{"Name":"B"}`, entry(dbB, 3)),
			version(`{"Name":"A"}`, entry(dbA, 3)),
		}
		res := r.ResolveLatest(versions)
		assert.JSONEq(t, `{"Name":"B"}`, string(res.Data))
	})

	t.Run("order of inputs does not matter", func(t *testing.T) {
		a := version(`{"Name":"x"}`, entry(dbA, 2), entry(dbB, 1))
		b := version(`{"Name":"y"}`, entry(dbA, 1), entry(dbB, 2))

		first := r.ResolveLatest([]model.DocumentVersion{a, b})
		second := r.ResolveLatest([]model.DocumentVersion{b, a})
		assert.Equal(t, string(first.Data), string(second.Data))
		assert.Equal(t, first.ChangeVector, second.ChangeVector)
	})

	t.Run("tombstone can win", func(t *testing.T) {
		deleted := version(``, entry(dbB, 9))
		deleted.Deleted = true
		res := r.ResolveLatest([]model.DocumentVersion{version(`{}`, entry(dbA, 1)), deleted})
		assert.True(t, res.Deleted)
	})
}

func TestResolveDesignated(t *testing.T) {
	r := NewResolver(nil)
	versions := []model.DocumentVersion{
		version(`{"Name":"Store1"}`, entry(dbA, 1)),
		version(`{"Name":"Store2"}`, entry(dbB, 5)),
	}

	res, err := r.Resolve(context.Background(), Selection{Strategy: StrategyDesignated, ResolverID: dbA, Authoritative: true}, versions)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Name":"Store1"}`, string(res.Data))

	_, err = r.Resolve(context.Background(), Selection{Strategy: StrategyDesignated, ResolverID: dbA}, versions)
	assert.Error(t, err, "non-authoritative databases must defer")

	outsider := uuid.New()
	res = r.ResolveDesignated(versions, outsider)
	assert.JSONEq(t, `{"Name":"Store2"}`, string(res.Data), "falls back to latest")
}

func TestResolveNoStrategy(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), Selection{Strategy: StrategyNone}, []model.DocumentVersion{version(`{}`)})
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), Selection{Strategy: StrategyLatest}, nil)
	assert.Error(t, err)
}

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, script string, docs []json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, script, docs)
	out, _ := args.Get(0).(json.RawMessage)
	return out, args.Error(1)
}

func TestResolveScriptUsesEvaluator(t *testing.T) {
	evaluator := new(mockEvaluator)
	r := NewResolver(evaluator)
	versions := []model.DocumentVersion{
		version(`{"Name":"Store1"}`, entry(dbA, 1)),
		version(`{"Name":"Store2"}`, entry(dbB, 1)),
	}

	evaluator.On("Evaluate", mock.Anything, "return {Name:'Resolved'};", mock.Anything).
		Return(json.RawMessage(`{"Name":"Resolved"}`), nil).Once()

	res, err := r.ResolveScript(context.Background(), "return {Name:'Resolved'};", versions)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Name":"Resolved"}`, string(res.Data))
	assert.Equal(t, -1, res.Winner)
	assert.Equal(t, model.Dominates, algorithm.NewChangeVectorOps().Compare(res.ChangeVector, versions[0].ChangeVector))
	evaluator.AssertExpectations(t)
}

func TestResolveScriptPropagatesFailure(t *testing.T) {
	evaluator := new(mockEvaluator)
	evaluator.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := NewResolver(evaluator).ResolveScript(context.Background(), "throw 1;", []model.DocumentVersion{version(`{}`)})
	assert.EqualError(t, err, "boom")
}

func TestGojaEvaluator(t *testing.T) {
	e := NewGojaEvaluator(200 * time.Millisecond)
	docs := []json.RawMessage{json.RawMessage(`{"Name":"Store1","Age":3}`), json.RawMessage(`{"Name":"Store2","Age":5}`)}

	t.Run("returns an object", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "return {'Name':'Resolved'};", docs)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Name":"Resolved"}`, string(out))
	})

	t.Run("reads the conflicting documents", func(t *testing.T) {
		script := `
			var oldest = docs[0];
			for (var i = 1; i < docs.length; i++) {
				if (docs[i].Age > oldest.Age) { oldest = docs[i]; }
			}
			return oldest;`
		out, err := e.Evaluate(context.Background(), script, docs)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Name":"Store2","Age":5}`, string(out))
	})

	t.Run("null resolves to delete", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "return null;", docs)
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("throwing scripts fail", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "throw new Error('nope');", docs)
		assert.Error(t, err)
	})

	t.Run("syntax errors fail", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "return {;", docs)
		assert.Error(t, err)
	})

	t.Run("non object results fail", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "return 42;", docs)
		assert.Error(t, err)
	})

	t.Run("runaway scripts are interrupted", func(t *testing.T) {
		start := time.Now()
		_, err := e.Evaluate(context.Background(), "while (true) {}", docs)
		assert.ErrorIs(t, err, ErrScriptTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("no host access", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "return require('fs');", docs)
		assert.Error(t, err)
	})
}
