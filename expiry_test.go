package orbit

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedTimers_Fires(t *testing.T) {
	k := newKeyedTimers()
	t.Cleanup(k.CancelAll)

	fired := make(chan struct{})
	k.Arm("a", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestKeyedTimers_ArmReplacesPriorTimer(t *testing.T) {
	k := newKeyedTimers()
	t.Cleanup(k.CancelAll)

	var firstFired, secondFired atomic.Bool
	k.Arm("a", 10*time.Millisecond, func() { firstFired.Store(true) })
	k.Arm("a", 30*time.Millisecond, func() { secondFired.Store(true) })

	waitFor(t, time.Second, func() bool { return secondFired.Load() })
	if firstFired.Load() {
		t.Error("replaced timer still fired")
	}
}

func TestKeyedTimers_Cancel(t *testing.T) {
	k := newKeyedTimers()
	t.Cleanup(k.CancelAll)

	var fired atomic.Bool
	k.Arm("a", 20*time.Millisecond, func() { fired.Store(true) })
	k.Cancel("a")

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}

	// Cancelling an unknown key is harmless.
	k.Cancel("ghost")
}

func TestKeyedTimers_KeysAreIndependent(t *testing.T) {
	k := newKeyedTimers()
	t.Cleanup(k.CancelAll)

	var aFired, bFired atomic.Bool
	k.Arm("a", 20*time.Millisecond, func() { aFired.Store(true) })
	k.Arm("b", 20*time.Millisecond, func() { bFired.Store(true) })
	k.Cancel("a")

	waitFor(t, time.Second, func() bool { return bFired.Load() })
	if aFired.Load() {
		t.Error("cancelling one key affected another")
	}
}

func TestKeyedTimers_CancelAll(t *testing.T) {
	k := newKeyedTimers()

	var fired atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		k.Arm(key, 20*time.Millisecond, func() { fired.Add(1) })
	}
	k.CancelAll()

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("%d timer(s) fired after CancelAll", n)
	}
}
