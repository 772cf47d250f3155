// Package inspect compiles a cloud-published expression tree into an
// InspectionMatrix: a flat, depth-limited arena of nodes with stable
// index-based child links, per §4.2 "Expression compilation". The input
// shape (WireNode) models the nested message the cloud sends; the output
// (Tree) is what CampaignManager attaches to a compiled campaign.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package inspect

import (
	"strconv"

	"github.com/fleetedge/agent/cmn/cos"
)

// MaxDepth is the compiled tree's depth ceiling (§4.2, "trees deeper than
// 10 are rejected rather than truncated").
const MaxDepth = 10

type NodeKind int

const (
	KindSignal NodeKind = iota
	KindFloat
	KindBool
	KindString
	KindCompare
	KindBoolean
	KindArith
	KindWindowFn
	KindCustomFn
	KindIsNull
)

type Op int

const (
	OpNone Op = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpAnd
	OpOr
	OpNot
	OpAdd
	OpSub
	OpMul
	OpDiv
)

type WindowKind int

const (
	WindowNone WindowKind = iota
	WindowLastMin
	WindowLastMax
	WindowLastAvg
	WindowPrevMin
	WindowPrevMax
	WindowPrevAvg
)

// WireNode is the pre-compile, pointer-linked shape the cloud payload
// unmarshals into. CustomParams holds a CUSTOM_FN's ordered arguments;
// Children holds every other kind's operands.
type WireNode struct {
	Kind         NodeKind
	Children     []*WireNode
	Signal       cos.SignalId
	Float        float64
	Bool         bool
	Str          string
	Op           Op
	Window       WindowKind
	CustomName   string
	CustomParams []*WireNode
}

// Node is one arena-resident, compiled entry. Children are indices into the
// owning Tree's Nodes slice, not pointers: the arena is frozen after
// Compile returns, so an index is stable. Node.Children is nil for leaves
// and for CUSTOM_FN nodes, whose operands are in CustomParams.
type Node struct {
	Kind         NodeKind
	Children     []int32
	Signal       cos.SignalId
	Float        float64
	Bool         bool
	Str          string
	Op           Op
	Window       WindowKind
	CustomName   string
	InvocationId uint64
	CustomParams []int32
}

// Tree is one compiled InspectionMatrix. Root indexes Nodes; Nodes is never
// mutated after Compile returns.
type Tree struct {
	Nodes []Node
	Root  int32
}

// ErrTooDeep is returned when a wire tree's depth exceeds MaxDepth.
type ErrTooDeep struct{ Depth int }

func (e *ErrTooDeep) Error() string {
	return "expression tree depth " + strconv.Itoa(e.Depth) + " exceeds limit of " + strconv.Itoa(MaxDepth)
}

// Compile compiles root into a frozen Tree. campaignSyncId seeds the
// deterministic invocation ids minted for CUSTOM_FN nodes encountered
// during the walk (see invocationCounter), so two compiles of the same
// campaign body produce identical ids — the property CUSTOM_FN.invocation_id
// depends on for idempotent re-enable.
//
// Compile is two passes, matching the teacher's arena-sizing idiom
// elsewhere in this codebase (size first, then fill without growth): the
// first pass counts nodes and rejects depth > MaxDepth before any
// allocation; the second walks depth-first again, this time writing into a
// preallocated, exactly-sized slice and threading child indices back up as
// each subtree finishes.
func Compile(campaignSyncId string, root *WireNode) (*Tree, error) {
	if root == nil {
		return nil, &cos.ErrEmptyData{}
	}
	n, depth := countNodes(root, 1)
	if depth > MaxDepth {
		return nil, &ErrTooDeep{Depth: depth}
	}
	t := &Tree{Nodes: make([]Node, 0, n)}
	ic := &invocationCounter{syncId: campaignSyncId}
	root32 := serialize(t, ic, root)
	t.Root = root32
	return t, nil
}

func countNodes(w *WireNode, depth int) (count, maxDepth int) {
	count, maxDepth = 1, depth
	kids := w.Children
	if w.Kind == KindCustomFn {
		kids = w.CustomParams
	}
	for _, c := range kids {
		cc, cd := countNodes(c, depth+1)
		count += cc
		if cd > maxDepth {
			maxDepth = cd
		}
	}
	return count, maxDepth
}

// invocationCounter mints CUSTOM_FN.invocation_id values in depth-first
// visit order: invocation_id = first 8 bytes of SHA1(syncId + ":" + index),
// where index is this counter's pre-increment value. Deterministic in
// syncId and visit order only — not in wall-clock time — so recompiling an
// unchanged campaign body yields identical ids.
type invocationCounter struct {
	syncId string
	next   int
}

func (ic *invocationCounter) mint() uint64 {
	id := cos.SHA1First8(ic.syncId + ":" + strconv.Itoa(ic.next))
	ic.next++
	return id
}

func serialize(t *Tree, ic *invocationCounter, w *WireNode) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{}) // reserve the slot before recursing into children
	n := Node{
		Kind:   w.Kind,
		Signal: w.Signal,
		Float:  w.Float,
		Bool:   w.Bool,
		Str:    w.Str,
		Op:     w.Op,
		Window: w.Window,
	}
	switch w.Kind {
	case KindCustomFn:
		n.CustomName = w.CustomName
		n.InvocationId = ic.mint()
		n.CustomParams = make([]int32, len(w.CustomParams))
		for i, p := range w.CustomParams {
			n.CustomParams[i] = serialize(t, ic, p)
		}
	default:
		if len(w.Children) > 0 {
			n.Children = make([]int32, len(w.Children))
			for i, c := range w.Children {
				n.Children[i] = serialize(t, ic, c)
			}
		}
	}
	t.Nodes[idx] = n
	return idx
}

// At returns the node at idx. Callers walk a Tree with this rather than
// indexing Nodes directly so an out-of-range index (which should never
// happen against a Tree this package produced) is a checked error instead
// of a panic in caller code.
func (t *Tree) At(idx int32) (Node, bool) {
	if idx < 0 || int(idx) >= len(t.Nodes) {
		return Node{}, false
	}
	return t.Nodes[idx], true
}

// RootNode is a convenience for t.At(t.Root).
func (t *Tree) RootNode() Node {
	n, _ := t.At(t.Root)
	return n
}

// Len reports the number of compiled nodes.
func (t *Tree) Len() int { return len(t.Nodes) }
