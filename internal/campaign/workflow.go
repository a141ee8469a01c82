// internal/campaign/workflow.go
package campaign

import (
	"fmt"

	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Workflow graph.
 *
 * A workflow is a node map plus an entry node ID. Node is a tagged union:
 * Kind selects exactly one populated payload. Four node kinds suspend the
 * journey (delay, waitUntil, timeWindow, remoteCall); the rest execute
 * synchronously.
 *
 * Validation runs at cache-load time: a dangling edge is a programmer
 * error in the campaign definition and is the one condition allowed to
 * surface as an error decision, rather than degrading to noMatch.
 */

// NodeKind discriminates workflow node variants.
type NodeKind string

const (
	NodeBranch      NodeKind = "branch"
	NodeShowContent NodeKind = "showContent"
	NodeDelay       NodeKind = "delay"
	NodeWaitUntil   NodeKind = "waitUntil"
	NodeTimeWindow  NodeKind = "timeWindow"
	NodeRemoteCall  NodeKind = "remoteCall"
	NodeSetContext  NodeKind = "setContext"
	NodeExit        NodeKind = "exit"
)

// Node is one workflow node. Exactly one payload matching Kind is set.
type Node struct {
	Kind NodeKind `json:"kind"`

	Branch      *BranchNode      `json:"branch,omitempty"`
	ShowContent *ShowContentNode `json:"show_content,omitempty"`
	Delay       *DelayNode       `json:"delay,omitempty"`
	WaitUntil   *WaitUntilNode   `json:"wait_until,omitempty"`
	TimeWindow  *TimeWindowNode  `json:"time_window,omitempty"`
	RemoteCall  *RemoteCallNode  `json:"remote_call,omitempty"`
	SetContext  *SetContextNode  `json:"set_context,omitempty"`
	Exit        *ExitNode        `json:"exit,omitempty"`
}

// BranchNode evaluates a condition and follows the matching edge.
type BranchNode struct {
	Condition *expr.Expression `json:"condition"`
	TrueEdge  string           `json:"true_edge,omitempty"`
	FalseEdge string           `json:"false_edge,omitempty"`
}

// ShowContentNode displays a piece of in-app content. The side effect is
// committed only after the transition persists. FailureEdge, when set, is
// followed if the renderer reports failure; otherwise the journey cancels.
type ShowContentNode struct {
	ContentID   string `json:"content_id"`
	Next        string `json:"next,omitempty"`
	FailureEdge string `json:"failure_edge,omitempty"`
}

// DelayNode suspends the journey until a fixed duration elapses.
type DelayNode struct {
	DelayMs int64  `json:"delay_ms"`
	Next    string `json:"next,omitempty"`
}

// WaitUntilNode suspends until the condition becomes true, re-evaluated on
// new events and on scheduler polls. MaxTimeMs bounds the wait; on timeout
// the wait is treated as "not met" and TimeoutEdge (or termination) follows.
type WaitUntilNode struct {
	Condition   *expr.Expression `json:"condition"`
	MaxTimeMs   int64            `json:"max_time_ms,omitempty"`
	Next        string           `json:"next,omitempty"`
	TimeoutEdge string           `json:"timeout_edge,omitempty"`
}

// TimeWindowNode suspends until the wall clock enters a daily UTC hour
// window [FromHour, ToHour). The optional condition is re-checked on each
// wake inside the window. MaxTimeMs bounds the total wait.
type TimeWindowNode struct {
	FromHour    int              `json:"from_hour"`
	ToHour      int              `json:"to_hour"`
	Condition   *expr.Expression `json:"condition,omitempty"`
	MaxTimeMs   int64            `json:"max_time_ms,omitempty"`
	Next        string           `json:"next,omitempty"`
	TimeoutEdge string           `json:"timeout_edge,omitempty"`
}

// RemoteCallNode kicks off a server-side action and suspends until the
// server-confirmed state change arrives (remoteRetry pending action).
type RemoteCallNode struct {
	ActionID    string `json:"action_id"`
	MaxTimeMs   int64  `json:"max_time_ms,omitempty"`
	Next        string `json:"next,omitempty"`
	FailureEdge string `json:"failure_edge,omitempty"`
}

// SetContextNode writes key/value pairs into the journey context map.
type SetContextNode struct {
	Values map[string]any `json:"values"`
	Next   string         `json:"next,omitempty"`
}

// ExitNode terminates the workflow normally.
type ExitNode struct {
	Reason string `json:"reason,omitempty"`
}

// Workflow is the node map plus entry node ID.
type Workflow struct {
	Entry string          `json:"entry"`
	Nodes map[string]Node `json:"nodes"`
}

// Validate checks the graph for a resolvable entry node and edges that all
// reference existing nodes. Run once at cache-load time.
func (w *Workflow) Validate() error {
	if w.Entry == "" {
		return fmt.Errorf("%w: empty entry node", types.ErrDanglingNode)
	}
	if _, ok := w.Nodes[w.Entry]; !ok {
		return fmt.Errorf("%w: entry %q", types.ErrDanglingNode, w.Entry)
	}
	for id, node := range w.Nodes {
		for _, edge := range node.edges() {
			if edge == "" {
				continue // empty edge terminates the workflow
			}
			if _, ok := w.Nodes[edge]; !ok {
				return fmt.Errorf("%w: node %q edge %q", types.ErrDanglingNode, id, edge)
			}
		}
	}
	return nil
}

// edges lists every outgoing edge of a node, empty strings included.
func (n Node) edges() []string {
	switch n.Kind {
	case NodeBranch:
		if n.Branch == nil {
			return nil
		}
		return []string{n.Branch.TrueEdge, n.Branch.FalseEdge}
	case NodeShowContent:
		if n.ShowContent == nil {
			return nil
		}
		return []string{n.ShowContent.Next, n.ShowContent.FailureEdge}
	case NodeDelay:
		if n.Delay == nil {
			return nil
		}
		return []string{n.Delay.Next}
	case NodeWaitUntil:
		if n.WaitUntil == nil {
			return nil
		}
		return []string{n.WaitUntil.Next, n.WaitUntil.TimeoutEdge}
	case NodeTimeWindow:
		if n.TimeWindow == nil {
			return nil
		}
		return []string{n.TimeWindow.Next, n.TimeWindow.TimeoutEdge}
	case NodeRemoteCall:
		if n.RemoteCall == nil {
			return nil
		}
		return []string{n.RemoteCall.Next, n.RemoteCall.FailureEdge}
	case NodeSetContext:
		if n.SetContext == nil {
			return nil
		}
		return []string{n.SetContext.Next}
	default:
		return nil
	}
}

// FailureEdge returns the node's declared failure edge, if any.
func (n Node) FailureEdge() string {
	switch n.Kind {
	case NodeShowContent:
		if n.ShowContent != nil {
			return n.ShowContent.FailureEdge
		}
	case NodeRemoteCall:
		if n.RemoteCall != nil {
			return n.RemoteCall.FailureEdge
		}
	}
	return ""
}
