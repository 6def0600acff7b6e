package common

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerCoalescesPerKey(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var a, b atomic.Int32
	for i := 0; i < 5; i++ {
		d.Call("a", func() { a.Add(1) })
	}
	d.Call("b", func() { b.Add(1) })

	assert.Eventually(t, func() bool {
		return a.Load() == 1 && b.Load() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)

	var calls atomic.Int32
	d.Call("k", func() { calls.Add(1) })
	d.Cancel("k")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
