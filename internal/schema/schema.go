// Package schema declares channels: the shape of the object graph that a
// connected client sees, how each node of the graph serializes into flat
// documents, and how a mutated object projects back to the anchors that
// contain it.
package schema

import (
	"context"
	"fmt"
	"time"

	"statesync/internal/document"
)

// Serializer flattens one source object into its document fields. The
// result must contain "id"; meta fields are stamped by the node.
type Serializer func(obj any) document.Document

// Edge is one declared parent→child relation in the graph. Fetch resolves
// the children of a parent object from the authoritative store.
type Edge struct {
	Name  string
	Node  *Node
	Fetch func(ctx context.Context, parent any) ([]any, error)
}

// Node is one schema type in the declared graph. The same instance type
// may appear under several parent edges; every occurrence shares the
// instance type but owns its edge position.
type Node struct {
	InstanceType string
	Serialize    Serializer
	Edges        []Edge

	// UserKey returns the owner id for per-user documents, or nil for
	// documents visible to every subscriber of the anchor.
	UserKey func(obj any) any

	// Optimistic nodes relay a provisional document at save time, before
	// the enclosing transaction commits.
	Optimistic bool

	// AnchorIDs projects a serialized document of this type back to the
	// ids of every anchor whose graph contains it. Root nodes may leave
	// this nil: the document's own id is the anchor id.
	AnchorIDs func(ctx context.Context, doc document.Document) ([]string, error)
}

// SerializeInstance flattens obj and stamps the reserved meta fields.
func (n *Node) SerializeInstance(obj any, tstamp float64) document.Document {
	doc := n.Serialize(obj)
	doc[document.FieldInstanceType] = n.InstanceType
	doc[document.FieldTstamp] = tstamp
	doc[document.FieldOperation] = document.OpInitialState
	if n.UserKey != nil {
		doc[document.FieldUserKey] = n.UserKey(obj)
	} else {
		doc[document.FieldUserKey] = nil
	}
	return doc
}

// SerializeDelete builds the tombstone document for a deleted object.
func (n *Node) SerializeDelete(id any, tstamp float64) document.Document {
	return document.Document{
		document.FieldID:           id,
		document.FieldInstanceType: n.InstanceType,
		document.FieldTstamp:       tstamp,
		document.FieldUserKey:      nil,
		document.FieldDeleted:      true,
		document.FieldOperation:    document.OpDelete,
	}
}

// SerializeGraph walks the declared graph depth-first from objs (instances
// of this node), yielding one batch of stamped documents per node visit.
// This is the COLD snapshot traversal.
func (n *Node) SerializeGraph(ctx context.Context, objs []any, tstamp float64, yield func(batch []document.Document) error) error {
	if len(objs) == 0 {
		return nil
	}

	batch := make([]document.Document, 0, len(objs))
	for _, obj := range objs {
		batch = append(batch, n.SerializeInstance(obj, tstamp))
	}
	if err := yield(batch); err != nil {
		return err
	}

	for _, edge := range n.Edges {
		var children []any
		for _, obj := range objs {
			got, err := edge.Fetch(ctx, obj)
			if err != nil {
				return fmt.Errorf("fetch %s.%s: %w", n.InstanceType, edge.Name, err)
			}
			children = append(children, got...)
		}
		if err := edge.Node.SerializeGraph(ctx, children, tstamp, yield); err != nil {
			return err
		}
	}
	return nil
}

// Session is the per-connection surface that channel actions may drive.
// The gateway's client implements it.
type Session interface {
	UserID() string
	SetRuntimeVar(ctx context.Context, name string, value any) error
	AddAnchor(ctx context.Context, anchorID string, atHead bool) error
	RemoveAnchor(ctx context.Context, anchorID string) error
}

// Action is a server-side RPC handler callable from the client via
// {callId, action, params} frames.
type Action func(ctx context.Context, sess Session, params []any) (any, error)

// Channel is one declared schema shape plus its anchor-key rules. Many
// anchors share a channel; every coordination, cache and subscription key
// is namespaced by (channel name, anchor id).
type Channel struct {
	Name string
	Root *Node

	// CacheTTL is the idle time after the last disconnect before the
	// sweeper cools a HOT anchor back to COLD.
	CacheTTL time.Duration

	// GetAnchor fetches the root object from the authoritative store.
	// Must return source.ErrNotFound for missing anchors.
	GetAnchor func(ctx context.Context, anchorID string) (any, error)

	// HasPermission gates a user's access to an anchor.
	HasPermission func(ctx context.Context, userID, anchorID string) bool

	// Many marks list channels: ListAnchors resolves the initial set of
	// anchor ids for a connecting user instead of a single url anchor.
	Many        bool
	ListAnchors func(ctx context.Context, userID string, params map[string]string) ([]string, error)

	Actions     map[string]Action
	RuntimeVars []string

	index     map[string][]*Node
	typeOrder []string
}

// buildIndex walks the graph once, recording every node per instance type
// and the declaration order of distinct types.
func (c *Channel) buildIndex() {
	c.index = make(map[string][]*Node)
	c.typeOrder = nil
	var walk func(n *Node)
	walk = func(n *Node) {
		if len(c.index[n.InstanceType]) == 0 {
			c.typeOrder = append(c.typeOrder, n.InstanceType)
		}
		c.index[n.InstanceType] = append(c.index[n.InstanceType], n)
		for _, e := range n.Edges {
			walk(e.Node)
		}
	}
	walk(c.Root)
}

// NodesFor returns every graph node carrying the given instance type.
func (c *Channel) NodesFor(instanceType string) []*Node {
	return c.index[instanceType]
}

// TypeOrder returns the distinct instance types in declaration order.
// The HOT snapshot path streams cache documents type by type in this order.
func (c *Channel) TypeOrder() []string {
	return c.typeOrder
}

// AnchorsFor projects a serialized document to the anchors that must
// receive it, across every graph position of its instance type.
func (c *Channel) AnchorsFor(ctx context.Context, doc document.Document) ([]string, error) {
	nodes := c.NodesFor(doc.InstanceType())
	seen := make(map[string]bool)
	var anchors []string
	for _, n := range nodes {
		if n.AnchorIDs == nil {
			// Root node: the document is its own anchor.
			id := doc.ID()
			if id != "" && !seen[id] {
				seen[id] = true
				anchors = append(anchors, id)
			}
			continue
		}
		ids, err := n.AnchorIDs(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("anchors for %s: %w", doc.InstanceType(), err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				anchors = append(anchors, id)
			}
		}
	}
	return anchors, nil
}
