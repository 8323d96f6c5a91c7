//go:build chdebug

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContractViolationsPanic(t *testing.T) {
	ch := keyed(t, BasisLinear, [3]float64{0, 0, 0}, [3]float64{5, 5, 0})
	assert.Panics(t, func() { ch.MoveKeyFrame(0, 5) })
	assert.Panics(t, func() { ch.DeleteKeys([]int{1, 0}) })
	assert.Panics(t, func() { New("tx", 0).EndModify() })
	assert.Panics(t, func() { NewEvalContext(0).Enter(0, nil, ch, ch.Segment(0)) })
}
