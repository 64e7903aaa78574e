package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	n     int
	trail []Node
}

const (
	nodeStart Node = "start"
	nodeEven  Node = "even"
	nodeOdd   Node = "odd"
	nodeLoop  Node = "loop"
)

func visit(name Node) Handler[counterState] {
	return func(_ context.Context, s *counterState) error {
		s.trail = append(s.trail, name)
		return nil
	}
}

func parityGraph() *Graph[counterState] {
	return New[counterState]("parity", nodeStart).
		Add(nodeStart, visit(nodeStart), func(s *counterState) Node {
			if s.n%2 == 0 {
				return nodeEven
			}
			return nodeOdd
		}).
		Add(nodeEven, visit(nodeEven), To[counterState](End)).
		Add(nodeOdd, visit(nodeOdd), To[counterState](End), WithRetry(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}))
}

func TestRunFollowsConditionalEdges(t *testing.T) {
	g := parityGraph()

	even := &counterState{n: 2}
	require.NoError(t, g.Run(context.Background(), even))
	assert.Equal(t, []Node{nodeStart, nodeEven}, even.trail)

	odd := &counterState{n: 3}
	require.NoError(t, g.Run(context.Background(), odd))
	assert.Equal(t, []Node{nodeStart, nodeOdd}, odd.trail)
}

func TestRunIsIndependentPerInvocation(t *testing.T) {
	g := parityGraph()
	for i := 0; i < 3; i++ {
		s := &counterState{n: 1}
		require.NoError(t, g.Run(context.Background(), s))
		assert.Len(t, s.trail, 2)
	}
}

func TestNodeErrorCarriesNode(t *testing.T) {
	boom := errors.New("boom")
	g := New[counterState]("failing", nodeStart).
		Add(nodeStart, visit(nodeStart), To[counterState](nodeOdd)).
		Add(nodeOdd, func(context.Context, *counterState) error { return boom }, To[counterState](End))

	s := &counterState{}
	err := g.Run(context.Background(), s)
	require.ErrorIs(t, err, boom)

	node, ok := FailedNode(err)
	require.True(t, ok)
	assert.Equal(t, nodeOdd, node)
	assert.Equal(t, "failing/odd: boom", err.Error())
	assert.Equal(t, []Node{nodeStart}, s.trail)
}

func TestCancelCheckAtNodeBoundary(t *testing.T) {
	checks := 0
	cancelAfterFirst := func(context.Context) (bool, error) {
		checks++
		return checks > 1, nil
	}

	s := &counterState{n: 2}
	err := parityGraph().Run(context.Background(), s, WithCancelCheck(cancelAfterFirst))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []Node{nodeStart}, s.trail, "side effects of completed nodes remain")

	node, _ := FailedNode(err)
	assert.Equal(t, nodeEven, node)
}

func TestUnknownNode(t *testing.T) {
	g := New[counterState]("broken", nodeStart).
		Add(nodeStart, visit(nodeStart), To[counterState]("nowhere"))
	err := g.Run(context.Background(), &counterState{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestMaxStepsGuard(t *testing.T) {
	g := New[counterState]("cycle", nodeLoop).
		Add(nodeLoop, func(_ context.Context, s *counterState) error { s.n++; return nil }, To[counterState](nodeLoop)).
		MaxSteps(5)
	s := &counterState{}
	err := g.Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrMaxSteps)
	assert.Equal(t, 5, s.n)
}

func TestObserverSeesTransitions(t *testing.T) {
	var seen []Transition
	s := &counterState{n: 1}
	require.NoError(t, parityGraph().Run(context.Background(), s, WithObserver(func(tr Transition) { seen = append(seen, tr) })))

	require.Len(t, seen, 2)
	assert.Equal(t, nodeStart, seen[0].From)
	assert.Equal(t, nodeOdd, seen[0].To)
	assert.Equal(t, End, seen[1].To)
}

func TestRetryPolicyLookup(t *testing.T) {
	g := parityGraph()
	assert.Equal(t, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, g.Retry(nodeOdd))
	assert.Equal(t, RetryPolicy{}, g.Retry(nodeEven))
	assert.Equal(t, []Node{nodeStart, nodeEven, nodeOdd}, g.Nodes())
}

func TestAddDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		New[counterState]("dup", nodeStart).
			Add(nodeStart, visit(nodeStart), nil).
			Add(nodeStart, visit(nodeStart), nil)
	})
}

func TestContextCancelledStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := parityGraph().Run(ctx, &counterState{})
	assert.ErrorIs(t, err, context.Canceled)
}
