// Package flow executes authored conversation graphs: it walks a contact
// through a flow's nodes, sends each node's message, and routes inbound
// replies back into the right waiting session.
package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zaplane/zaplane/model"
)

// ValidateGraph checks that every edge references nodes present in the flow.
// Dangling edges found mid-execution still end only the affected session;
// this catches them up front at the operation boundary.
func ValidateGraph(f model.Flow) error {
	for _, e := range f.Edges {
		if _, ok := nodeByID(f, e.Source.String()); !ok {
			return model.NewGraphInconsistentError(
				fmt.Sprintf("edge source %q is not a node of flow %q", e.Source, f.ID))
		}
		if _, ok := nodeByID(f, e.Target.String()); !ok {
			return model.NewGraphInconsistentError(
				fmt.Sprintf("edge target %q is not a node of flow %q", e.Target, f.ID))
		}
	}
	return nil
}

// Edge handle vocabulary. Authoring tools tag edges with the branch they
// represent; everything compares lowercase.
const (
	handleDefault      = "default"
	handleSource       = "source"
	choiceHandlePrefix = "source-"
)

var negativeHandles = map[string]bool{
	"red":      true,
	"negative": true,
	"invalid":  true,
}

var positiveHandles = map[string]bool{
	"green":    true,
	"positive": true,
}

// isDefaultHandle reports whether the handle tags the single neutral path.
func isDefaultHandle(h string) bool {
	h = strings.ToLower(strings.TrimSpace(h))
	return h == "" || h == handleDefault || h == handleSource
}

// isNegativeHandle reports whether the handle tags the invalid-reply branch.
func isNegativeHandle(h string) bool {
	return negativeHandles[strings.ToLower(strings.TrimSpace(h))]
}

// choiceNumber extracts N from a "source-N" handle. Returns false for
// default, negative, and malformed handles.
func choiceNumber(h string) (int, bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, choiceHandlePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(h[len(choiceHandlePrefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// nodeByID locates a node by its canonical id.
func nodeByID(f model.Flow, id string) (model.Node, bool) {
	for _, n := range f.Nodes {
		if n.ID.String() == id {
			return n, true
		}
	}
	return model.Node{}, false
}

// edgesFrom returns every edge leaving the given node, in declaration order.
func edgesFrom(f model.Flow, nodeID string) []model.Edge {
	var out []model.Edge
	for _, e := range f.Edges {
		if e.Source.String() == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// hasChoiceHandles reports whether any edge carries a non-default,
// non-negative handle, meaning the node branches on the contact's choice.
func hasChoiceHandles(edges []model.Edge) bool {
	for _, e := range edges {
		if !isDefaultHandle(e.Handle) && !isNegativeHandle(e.Handle) {
			return true
		}
	}
	return false
}

// defaultEdge returns the edge to auto-advance through: the first
// default-handle edge, or the only edge when just one exists.
func defaultEdge(edges []model.Edge) (model.Edge, bool) {
	for _, e := range edges {
		if isDefaultHandle(e.Handle) {
			return e, true
		}
	}
	if len(edges) == 1 {
		return edges[0], true
	}
	return model.Edge{}, false
}

// choiceEdge returns the edge tagged with the given 1-based choice.
func choiceEdge(edges []model.Edge, choice int) (model.Edge, bool) {
	for _, e := range edges {
		if n, ok := choiceNumber(e.Handle); ok && n == choice {
			return e, true
		}
	}
	return model.Edge{}, false
}

// positiveEdge picks the edge a valid reply follows on a non-branching node:
// a green/positive or default handle first, else any edge not tagged
// negative.
func positiveEdge(edges []model.Edge) (model.Edge, bool) {
	for _, e := range edges {
		h := strings.ToLower(strings.TrimSpace(e.Handle))
		if positiveHandles[h] || isDefaultHandle(e.Handle) {
			return e, true
		}
	}
	for _, e := range edges {
		if !isNegativeHandle(e.Handle) {
			return e, true
		}
	}
	return model.Edge{}, false
}

// negativeEdge returns the invalid-reply branch, if the author drew one.
func negativeEdge(edges []model.Edge) (model.Edge, bool) {
	for _, e := range edges {
		if isNegativeHandle(e.Handle) {
			return e, true
		}
	}
	return model.Edge{}, false
}

// FindStartNode picks the node a new session begins at. An explicit start
// flag wins; otherwise the first root (no incoming edge), preferring a
// message or template typed root; otherwise the first node declared.
func FindStartNode(f model.Flow) (model.Node, bool) {
	if len(f.Nodes) == 0 {
		return model.Node{}, false
	}

	for _, n := range f.Nodes {
		if n.Data.Start {
			return n, true
		}
	}

	hasIncoming := make(map[string]bool, len(f.Edges))
	for _, e := range f.Edges {
		hasIncoming[e.Target.String()] = true
	}

	var firstRoot *model.Node
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if hasIncoming[n.ID.String()] {
			continue
		}
		// nodeType folds untyped nodes into message, matching execution.
		if t := nodeType(*n); t == model.NodeTypeMessage || t == model.NodeTypeTemplate {
			return *n, true
		}
		if firstRoot == nil {
			firstRoot = n
		}
	}
	if firstRoot != nil {
		return *firstRoot, true
	}

	return f.Nodes[0], true
}
