package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type item struct {
	n    int
	tags []string
}

func TestPutResets(t *testing.T) {
	p := NewPool(func() *item { return &item{} }, func(i *item) {
		i.n = 0
		i.tags = i.tags[:0]
	})

	v := p.Get()
	v.n = 7
	v.tags = append(v.tags, "x")
	p.Put(v)
	require.Zero(t, v.n)
	require.Empty(t, v.tags)

	got := p.Get()
	require.NotNil(t, got)
	require.Zero(t, got.n)
	p.Put(nil)
}
