package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvancesOnAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	fired := <-f.After(time.Second)
	<-f.After(4 * time.Second)

	assert.Equal(t, start.Add(time.Second), fired)
	assert.Equal(t, start.Add(5*time.Second), f.Now())
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, f.Waits())
	assert.Equal(t, 5*time.Second, f.Elapsed())
}
