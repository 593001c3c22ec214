package compliance

import (
	"testing"
	"time"

	"wisefido-kiosk/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDebouncer() (*Debouncer, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewDebouncer(clk, 3, 0), clk
}

func TestDebouncer_RequiredConsecutiveCompletes(t *testing.T) {
	d, _ := newTestDebouncer()

	o := d.Observe(true, nil)
	assert.True(t, o.ShouldSpeakHoldStill)
	assert.False(t, o.StageComplete)

	o = d.Observe(true, nil)
	assert.False(t, o.ShouldSpeakHoldStill)
	assert.False(t, o.StageComplete)

	o = d.Observe(true, nil)
	assert.True(t, o.StageComplete)
	assert.Equal(t, 0, d.Count())
}

func TestDebouncer_NonCompliantBreaksRun(t *testing.T) {
	for n := 1; n <= 5; n++ {
		d := NewDebouncer(clock.NewFake(time.Time{}.Add(time.Hour)), n+1, 0)
		for i := 0; i < n; i++ {
			require.False(t, d.Observe(true, nil).StageComplete)
		}
		o := d.Observe(false, []string{"shoes on"})
		assert.False(t, o.StageComplete)
		assert.Equal(t, 0, d.Count())
	}
}

func TestDebouncer_ViolationRateLimited(t *testing.T) {
	d, clk := newTestDebouncer()

	assert.True(t, d.Observe(false, []string{"step back"}).ShouldSpeakViolation)

	clk.Advance(3 * time.Second)
	assert.False(t, d.Observe(false, []string{"step back"}).ShouldSpeakViolation)

	clk.Advance(500 * time.Millisecond)
	o := d.Observe(false, []string{"step back"})
	assert.True(t, o.ShouldSpeakViolation)
	assert.Equal(t, []string{"step back"}, o.Violations)
}

func TestDebouncer_HoldStillOnlyOnFirstOfRun(t *testing.T) {
	d, _ := newTestDebouncer()

	assert.True(t, d.Observe(true, nil).ShouldSpeakHoldStill)
	d.Observe(false, nil)
	assert.True(t, d.Observe(true, nil).ShouldSpeakHoldStill)
	assert.False(t, d.Observe(true, nil).ShouldSpeakHoldStill)
}

func TestDebouncer_Defaults(t *testing.T) {
	d := NewDebouncer(clock.NewFake(time.Now()), 0, 0)
	assert.Equal(t, DefaultRequiredCount, d.RequiredCount())
	assert.Equal(t, DefaultViolationGap, d.violationGap)
}
