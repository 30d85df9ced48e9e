package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsCurrentValue(t *testing.T) {
	v := VarOf(42)
	got, _ := v.Get()
	assert.Equal(t, 42, got)
}

func TestSetWakesWaiters(t *testing.T) {
	v := VarOf("a")
	_, wakeup := v.Get()

	v.Set("b")
	select {
	case <-wakeup:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	got, _ := v.Get()
	assert.Equal(t, "b", got)
}

func TestUpdateAppliesFunction(t *testing.T) {
	v := VarOf(1)
	_, wakeup := v.Get()

	got := v.Update(func(old int) int { return old + 1 })
	require.Equal(t, 2, got)
	select {
	case <-wakeup:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestZeroValueIsUsable(t *testing.T) {
	var v Var[int]
	got, wakeup := v.Get()
	assert.Zero(t, got)
	v.Set(7)
	<-wakeup
}
