// Package graph runs small state machines: an explicit set of named nodes,
// a handler per node, and an edge function per node that picks the next
// node from the state the handler left behind.
//
// A run is a pure function of its input state plus the side effects its
// handlers commit. Nothing is carried between runs, and the engine never
// retries a node itself: a failing node ends the run with a *NodeError and
// the caller decides what to do using the node's RetryPolicy.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Node names a step in a graph.
type Node string

// End terminates a run successfully.
const End Node = "__end__"

const defaultMaxSteps = 64

var (
	// ErrCancelled is returned when the cancellation check fires at a node
	// boundary.
	ErrCancelled = errors.New("graph run cancelled")
	// ErrUnknownNode is returned when an edge leads to a node that was never
	// added.
	ErrUnknownNode = errors.New("unknown graph node")
	// ErrMaxSteps guards against edge functions that cycle forever.
	ErrMaxSteps = errors.New("graph exceeded max steps")
)

// Handler performs a node's work and mutates the state.
type Handler[S any] func(ctx context.Context, s *S) error

// Edge selects the node to run after the current one.
type Edge[S any] func(s *S) Node

// To is an unconditional edge.
func To[S any](n Node) Edge[S] {
	return func(*S) Node { return n }
}

// RetryPolicy describes how a failure in a node should be retried by the
// caller. MaxAttempts caps the attempts for failures raised by this node
// (0 defers to the job's limit). BaseDelay seeds exponential backoff (0
// defers to the queue default).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type node[S any] struct {
	handler Handler[S]
	next    Edge[S]
	retry   RetryPolicy
}

// NodeOption configures a node.
type NodeOption func(*RetryPolicy)

// WithRetry sets the node's retry policy.
func WithRetry(p RetryPolicy) NodeOption {
	return func(r *RetryPolicy) { *r = p }
}

// Graph is a compiled state machine over state type S.
type Graph[S any] struct {
	name     string
	entry    Node
	nodes    map[Node]node[S]
	order    []Node
	maxSteps int
}

func New[S any](name string, entry Node) *Graph[S] {
	return &Graph[S]{name: name, entry: entry, nodes: map[Node]node[S]{}, maxSteps: defaultMaxSteps}
}

// Add registers n. Adding the same node twice panics: graphs are built once
// at startup.
func (g *Graph[S]) Add(n Node, h Handler[S], next Edge[S], opts ...NodeOption) *Graph[S] {
	if _, dup := g.nodes[n]; dup {
		panic(fmt.Sprintf("graph %s: node %s added twice", g.name, n))
	}
	if n == End {
		panic(fmt.Sprintf("graph %s: %s is reserved", g.name, End))
	}
	var rp RetryPolicy
	for _, o := range opts {
		o(&rp)
	}
	g.nodes[n] = node[S]{handler: h, next: next, retry: rp}
	g.order = append(g.order, n)
	return g
}

// MaxSteps overrides the step guard.
func (g *Graph[S]) MaxSteps(n int) *Graph[S] {
	g.maxSteps = n
	return g
}

func (g *Graph[S]) Name() string { return g.name }

// Nodes lists the nodes in the order they were added.
func (g *Graph[S]) Nodes() []Node {
	return append([]Node(nil), g.order...)
}

// Retry returns the retry policy of n.
func (g *Graph[S]) Retry(n Node) RetryPolicy {
	return g.nodes[n].retry
}

// Transition is reported to observers after each node completes.
type Transition struct {
	Graph    string
	From     Node
	To       Node
	Duration time.Duration
	Err      error
}

type runConfig struct {
	cancelled func(ctx context.Context) (bool, error)
	observe   func(Transition)
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithCancelCheck installs a check evaluated before every node. It runs at
// node boundaries only, never during a handler.
func WithCancelCheck(fn func(ctx context.Context) (bool, error)) RunOption {
	return func(c *runConfig) { c.cancelled = fn }
}

// WithObserver receives every transition, including the failing one.
func WithObserver(fn func(Transition)) RunOption {
	return func(c *runConfig) { c.observe = fn }
}

// Run executes the graph from its entry node until an edge returns End.
func (g *Graph[S]) Run(ctx context.Context, state *S, opts ...RunOption) error {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}

	current := g.entry
	for step := 0; current != End; step++ {
		if step >= g.maxSteps {
			return &NodeError{Graph: g.name, Node: current, Err: ErrMaxSteps}
		}
		n, ok := g.nodes[current]
		if !ok {
			return &NodeError{Graph: g.name, Node: current, Err: ErrUnknownNode}
		}
		if err := ctx.Err(); err != nil {
			return &NodeError{Graph: g.name, Node: current, Err: err}
		}
		if cfg.cancelled != nil {
			stop, err := cfg.cancelled(ctx)
			if err != nil {
				return &NodeError{Graph: g.name, Node: current, Err: fmt.Errorf("checking cancellation: %w", err)}
			}
			if stop {
				return &NodeError{Graph: g.name, Node: current, Err: ErrCancelled}
			}
		}

		start := time.Now()
		err := n.handler(ctx, state)
		next := End
		if err == nil && n.next != nil {
			next = n.next(state)
		}
		if cfg.observe != nil {
			cfg.observe(Transition{Graph: g.name, From: current, To: next, Duration: time.Since(start), Err: err})
		}
		if err != nil {
			return &NodeError{Graph: g.name, Node: current, Err: err}
		}
		current = next
	}
	return nil
}

// NodeError reports the node a run failed in.
type NodeError struct {
	Graph string
	Node  Node
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Graph, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// FailedNode returns the node err was raised in, if any.
func FailedNode(err error) (Node, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Node, true
	}
	return "", false
}
