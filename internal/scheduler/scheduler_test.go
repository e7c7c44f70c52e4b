package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func TestRegister_ZeroIntervalDisables(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(4)
	s.Register(ctx, "disabled", 0, false)

	select {
	case f := <-s.Fires():
		t.Fatalf("disabled task fired: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegister_OneShotFiresOnce(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(4)
	s.Register(ctx, "autoexit", 20*time.Millisecond, true)

	select {
	case f := <-s.Fires():
		require.Equal(t, "autoexit", f.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot task never fired")
	}

	select {
	case f := <-s.Fires():
		t.Fatalf("one-shot task fired a second time: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegister_RecurringFiresMultipleTimes(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(4)
	s.Register(ctx, "ping_peers", 15*time.Millisecond, false)

	for i := 0; i < 3; i++ {
		select {
		case f := <-s.Fires():
			require.Equal(t, "ping_peers", f.Name)
		case <-time.After(2 * time.Second):
			t.Fatalf("fire %d never arrived", i)
		}
	}
}
