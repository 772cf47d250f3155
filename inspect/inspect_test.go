package inspect

import (
	"testing"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/stretchr/testify/require"
)

func leaf(sig cos.SignalId) *WireNode {
	return &WireNode{Kind: KindSignal, Signal: sig}
}

func chain(depth int) *WireNode {
	if depth == 1 {
		return leaf(1)
	}
	return &WireNode{Kind: KindIsNull, Children: []*WireNode{chain(depth - 1)}}
}

func TestCompileSimpleComparison(t *testing.T) {
	w := &WireNode{
		Kind: KindCompare,
		Op:   OpGt,
		Children: []*WireNode{
			leaf(42),
			{Kind: KindFloat, Float: 3.5},
		},
	}
	tree, err := Compile("sync-1", w)
	require.NoError(t, err)
	require.Equal(t, 3, tree.Len())

	root := tree.RootNode()
	require.Equal(t, KindCompare, root.Kind)
	require.Equal(t, OpGt, root.Op)
	require.Len(t, root.Children, 2)

	lhs, ok := tree.At(root.Children[0])
	require.True(t, ok)
	require.Equal(t, KindSignal, lhs.Kind)
	require.Equal(t, cos.SignalId(42), lhs.Signal)

	rhs, ok := tree.At(root.Children[1])
	require.True(t, ok)
	require.Equal(t, KindFloat, rhs.Kind)
	require.InDelta(t, 3.5, rhs.Float, 0)
}

func TestCompileDepthExactlyTenAllowed(t *testing.T) {
	tree, err := Compile("sync-1", chain(MaxDepth))
	require.NoError(t, err)
	require.Equal(t, MaxDepth, tree.Len())
}

func TestCompileDepthElevenRejected(t *testing.T) {
	_, err := Compile("sync-1", chain(MaxDepth+1))
	require.Error(t, err)
	var tooDeep *ErrTooDeep
	require.ErrorAs(t, err, &tooDeep)
	require.Equal(t, MaxDepth+1, tooDeep.Depth)
}

func TestCompileNilRootIsEmptyData(t *testing.T) {
	_, err := Compile("sync-1", nil)
	require.Error(t, err)
	var empty *cos.ErrEmptyData
	require.ErrorAs(t, err, &empty)
}

func TestCustomFnInvocationIdDeterministic(t *testing.T) {
	w := &WireNode{
		Kind:       KindCustomFn,
		CustomName: "harsh_braking",
		CustomParams: []*WireNode{
			leaf(1),
			leaf(2),
		},
	}
	t1, err := Compile("sync-A", w)
	require.NoError(t, err)
	t2, err := Compile("sync-A", w)
	require.NoError(t, err)
	require.Equal(t, t1.RootNode().InvocationId, t2.RootNode().InvocationId)

	t3, err := Compile("sync-B", w)
	require.NoError(t, err)
	require.NotEqual(t, t1.RootNode().InvocationId, t3.RootNode().InvocationId)
}

func TestCustomFnInvocationIdPerNodeDistinct(t *testing.T) {
	w := &WireNode{
		Kind: KindBoolean,
		Op:   OpAnd,
		Children: []*WireNode{
			{Kind: KindCustomFn, CustomName: "a"},
			{Kind: KindCustomFn, CustomName: "b"},
		},
	}
	tree, err := Compile("sync-1", w)
	require.NoError(t, err)
	root := tree.RootNode()
	a, _ := tree.At(root.Children[0])
	b, _ := tree.At(root.Children[1])
	require.NotEqual(t, a.InvocationId, b.InvocationId)
}
