package core_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aretw0/cosync/pkg/core"
)

func TestSuppressor_GuardReleases(t *testing.T) {
	var s core.Suppressor
	assert.False(t, s.Active())

	release := s.Suppress()
	assert.True(t, s.Active())

	release()
	assert.False(t, s.Active())

	// A second release must not drive the counter negative.
	release()
	assert.False(t, s.Active())
	again := s.Suppress()
	assert.True(t, s.Active())
	again()
}

func TestSuppressor_NestedGuardsHoldUntilOutermost(t *testing.T) {
	var s core.Suppressor
	outer := s.Suppress()
	inner := s.Suppress()

	inner()
	assert.True(t, s.Active(), "inner release must not clear the flag")

	outer()
	assert.False(t, s.Active())
}

func TestSuppressor_ReleasedOnPanic(t *testing.T) {
	var s core.Suppressor
	func() {
		defer func() { _ = recover() }()
		release := s.Suppress()
		defer release()
		panic("mutation failed")
	}()
	assert.False(t, s.Active())
}

func TestSuppressor_Concurrent(t *testing.T) {
	var s core.Suppressor
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := s.Suppress()
			release()
		}()
	}
	wg.Wait()
	assert.False(t, s.Active())
}
