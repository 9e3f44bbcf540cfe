package ratelimit

import (
	"sync/atomic"
	"testing"
)

func fixedCeilings(read, mutate int) Ceilings {
	return func(c Class) int {
		if c == ClassRead {
			return read
		}
		return mutate
	}
}

func TestLimiter_EnforcesCeiling(t *testing.T) {
	l := NewLimiter(fixedCeilings(100, 3))

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("client-a", ClassMutate) {
			allowed++
		}
	}

	if allowed != 3 {
		t.Errorf("allowed %d mutate requests, want burst of 3", allowed)
	}
}

func TestLimiter_PerCaller(t *testing.T) {
	l := NewLimiter(fixedCeilings(100, 2))

	for i := 0; i < 2; i++ {
		if !l.Allow("client-a", ClassMutate) {
			t.Fatal("client-a should be within budget")
		}
	}
	if l.Allow("client-a", ClassMutate) {
		t.Error("client-a should be exhausted")
	}

	// A different caller has its own bucket.
	if !l.Allow("client-b", ClassMutate) {
		t.Error("client-b should not share client-a's budget")
	}
}

func TestLimiter_ClassesIndependent(t *testing.T) {
	l := NewLimiter(fixedCeilings(100, 1))

	if !l.Allow("client-a", ClassMutate) {
		t.Fatal("first mutate should pass")
	}
	if l.Allow("client-a", ClassMutate) {
		t.Fatal("second mutate should be limited")
	}

	// Read budget is untouched by mutate exhaustion.
	if !l.Allow("client-a", ClassRead) {
		t.Error("read class should not share the mutate budget")
	}
}

func TestLimiter_LiveCeilingChange(t *testing.T) {
	var mutateRPM atomic.Int64
	mutateRPM.Store(1)

	l := NewLimiter(func(c Class) int {
		if c == ClassMutate {
			return int(mutateRPM.Load())
		}
		return 100
	})

	if !l.Allow("client-a", ClassMutate) {
		t.Fatal("first request should pass")
	}
	if l.Allow("client-a", ClassMutate) {
		t.Fatal("second request should be limited at rpm=1")
	}

	// Raising the ceiling applies to the existing bucket without restart.
	mutateRPM.Store(60)
	if !l.Allow("client-a", ClassMutate) {
		t.Error("raised ceiling should admit the request")
	}
}

func TestLimiter_ZeroCeilingDeniesAll(t *testing.T) {
	l := NewLimiter(fixedCeilings(0, 0))

	if l.Allow("client-a", ClassRead) {
		t.Error("zero ceiling should deny")
	}
}
