package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceCoordEqualityIsStructural(t *testing.T) {
	a := ServiceCoord{Name: "judge", Shard: 2}
	b := ServiceCoord{Name: "judge", Shard: 2}
	c := ServiceCoord{Name: "judge", Shard: 3}
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[ServiceCoord]int{a: 1}
	_, ok := m[b]
	assert.True(t, ok, "structurally equal coords must be usable as the same map key")
}

func TestAddressString(t *testing.T) {
	a := Address{Host: "10.0.0.1", Port: 9001}
	assert.Equal(t, "10.0.0.1:9001", a.String())
}
