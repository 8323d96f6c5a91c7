//go:build !chdebug

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/pkg/schema"
)

// Release builds treat broken preconditions as no-ops.

func TestChannel_MoveKeyFrameViolations(t *testing.T) {
	ch := keyed(t, BasisLinear, [3]float64{0, 0, 0}, [3]float64{5, 5, 0}, [3]float64{10, 0, 0})
	assert.False(t, ch.MoveKeyFrame(5, 10), "target occupied")
	assert.False(t, ch.MoveKeyFrame(3, 4), "no key at source")
	assert.Equal(t, []float64{0, 5, 10}, ch.KeyTimes())
}

func TestChannel_DeleteKeysViolations(t *testing.T) {
	ch := keyed(t, BasisLinear, [3]float64{0, 0, 0}, [3]float64{5, 5, 0}, [3]float64{10, 0, 0})
	assert.False(t, ch.DeleteKeys([]int{2, 1}))
	assert.False(t, ch.DeleteKeys([]int{1, 1}))
	assert.False(t, ch.DeleteKeys([]int{3}))
	assert.Equal(t, 3, ch.NKeys())
}

func TestChannel_EndModifyWithoutBegin(t *testing.T) {
	ch := New("tx", 0)
	assert.NotPanics(t, ch.EndModify)
}

func TestEvalContext_ValidateReportsBrokenFrames(t *testing.T) {
	m := NewManager(ManagerConfig{})
	c, err := m.NewCollection("obj")
	require.NoError(t, err)
	ch, _ := c.AddChannel("tx", 0)
	ch.InsertKeyFrame(0, false)
	stray := keyed(t, BasisLinear, [3]float64{0, 0, 0})

	tests := []struct {
		name  string
		enter func(ec *EvalContext) Scope
	}{
		{"channel without collection", func(ec *EvalContext) Scope { return ec.Enter(0, nil, ch, ch.Segment(0)) }},
		{"channel without segment", func(ec *EvalContext) Scope { return ec.Enter(0, c, ch, nil) }},
		{"foreign segment", func(ec *EvalContext) Scope { return ec.Enter(0, c, ch, stray.Segment(0)) }},
		{"segment without channel", func(ec *EvalContext) Scope { return ec.Enter(0, c, nil, ch.Segment(0)) }},
		{"channel of another collection", func(ec *EvalContext) Scope { return ec.Enter(0, &Collection{name: "x"}, ch, ch.Segment(0)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := NewEvalContext(1)
			scope := tt.enter(ec)
			defer scope.Exit()
			requireCode(t, ec.Validate(), schema.ErrCodeContractViolation)
		})
	}
}
