package dlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	name string
	node Node[item]
}

func newItem(name string, key uint32) *item {
	it := &item{name: name}
	it.node.Init(it)
	it.node.Key = key
	return it
}

func names(l *List[item]) []string {
	var out []string
	l.Each(func(n *Node[item]) bool {
		out = append(out, n.Owner().name)
		return true
	})
	return out
}

func byKey(a, b *Node[item]) bool { return a.Key < b.Key }

func TestPushAndRemove(t *testing.T) {
	var l List[item]
	require.True(t, l.Empty())

	a, b, c := newItem("a", 0), newItem("b", 0), newItem("c", 0)
	l.PushBack(&a.node)
	l.PushBack(&b.node)
	l.PushFront(&c.node)

	assert.Equal(t, []string{"c", "a", "b"}, names(&l))
	assert.Equal(t, 3, l.Len())
	assert.Same(t, &l, a.node.List())

	l.Remove(&a.node)
	assert.False(t, a.node.Linked())
	assert.Equal(t, []string{"c", "b"}, names(&l))

	assert.Same(t, c, l.PopFront().Owner())
	assert.Same(t, b, l.PopFront().Owner())
	assert.Nil(t, l.PopFront())
	assert.True(t, l.Empty())
}

func TestInsertOrderedIsFIFOAmongEqualKeys(t *testing.T) {
	var l List[item]
	for _, it := range []*item{
		newItem("p2-first", 2),
		newItem("p5", 5),
		newItem("p2-second", 2),
		newItem("p1", 1),
		newItem("p5-second", 5),
	} {
		l.InsertOrdered(&it.node, byKey)
	}
	assert.Equal(t, []string{"p1", "p2-first", "p2-second", "p5", "p5-second"}, names(&l))
}

func TestInsertLinkedNodePanics(t *testing.T) {
	var l1, l2 List[item]
	a := newItem("a", 0)
	l1.PushBack(&a.node)

	assert.Panics(t, func() { l2.PushBack(&a.node) })
	assert.Panics(t, func() { l2.Remove(&a.node) })

	Unlink(&a.node)
	assert.True(t, l1.Empty())
	Unlink(&a.node)
}
