package shutdown

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestCoordinator_DrainWaitsForActiveWork(t *testing.T) {
	c := New(nil)
	done, ok := c.Track()
	assert.Assert(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		done()
	}()

	clean := c.Drain(context.Background(), time.Second)
	assert.Assert(t, clean)
	assert.Equal(t, c.State(), StateStopped)
}

func TestCoordinator_RefusesNewWorkWhileDraining(t *testing.T) {
	c := New(nil)
	done, ok := c.Track()
	assert.Assert(t, ok)
	defer done()

	go c.Drain(context.Background(), 50*time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok = c.Track()
	assert.Assert(t, !ok)
}

func TestCoordinator_DrainTimesOutWithStuckWork(t *testing.T) {
	c := New(nil)
	_, ok := c.Track()
	assert.Assert(t, ok)

	clean := c.Drain(context.Background(), 10*time.Millisecond)
	assert.Assert(t, !clean)
	assert.Equal(t, c.State(), StateStopped)
}
