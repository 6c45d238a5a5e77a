// Package bdd provides BDD-style test fixtures for follower read-model
// actors. It enables expressive Given-When-Then testing of Tell delivery,
// gap-fill, and snapshotting without each test hand-rolling activation and
// assertion boilerplate.
package bdd

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/dreamforge-labs/follower"
)

// TB is an alias for testing.TB to allow mocking in tests of this package.
type TB = testing.TB

// FollowerFixture provides BDD-style testing for a Follower[K, E, S].
type FollowerFixture[K follower.Key, E any, S any] struct {
	t   TB
	f   *follower.Follower[K, E, S]
	ctx context.Context

	result   S
	err      error
	executed bool
}

// Given activates f and applies givenEvents in order, establishing the
// state the test's When step will act against.
func Given[K follower.Key, E any, S any](t TB, f *follower.Follower[K, E, S], givenEvents ...follower.Event[E]) *FollowerFixture[K, E, S] {
	t.Helper()

	fx := &FollowerFixture[K, E, S]{t: t, f: f, ctx: context.Background()}

	if err := f.Activate(fx.ctx); err != nil {
		t.Fatalf("bdd: failed to activate follower for key %v: %v", f.Key(), err)
	}

	for _, event := range givenEvents {
		if _, err := f.Tell(fx.ctx, event); err != nil {
			t.Fatalf("bdd: failed to apply given event %+v: %v", event, err)
		}
	}

	return fx
}

// WithContext sets a custom context for the When step.
func (fx *FollowerFixture[K, E, S]) WithContext(ctx context.Context) *FollowerFixture[K, E, S] {
	fx.ctx = ctx
	return fx
}

// WhenTell delivers event to the Follower.
func (fx *FollowerFixture[K, E, S]) WhenTell(event follower.Event[E]) *FollowerFixture[K, E, S] {
	fx.t.Helper()
	fx.result, fx.err = fx.f.Tell(fx.ctx, event)
	fx.executed = true
	return fx
}

// WhenSaveSnapshot calls SaveSnapshot on the Follower.
func (fx *FollowerFixture[K, E, S]) WhenSaveSnapshot() *FollowerFixture[K, E, S] {
	fx.t.Helper()
	fx.err = fx.f.SaveSnapshot(fx.ctx)
	fx.result = fx.f.State()
	fx.executed = true
	return fx
}

// WhenDeactivate calls Deactivate on the Follower.
func (fx *FollowerFixture[K, E, S]) WhenDeactivate() *FollowerFixture[K, E, S] {
	fx.t.Helper()
	fx.err = fx.f.Deactivate(fx.ctx)
	fx.executed = true
	return fx
}

// ThenState asserts the Follower's resulting state equals expected.
func (fx *FollowerFixture[K, E, S]) ThenState(expected S) *FollowerFixture[K, E, S] {
	fx.t.Helper()
	fx.requireExecuted("ThenState")

	if fx.err != nil {
		fx.t.Fatalf("bdd: expected success but got error: %v", fx.err)
	}

	if !reflect.DeepEqual(fx.result, expected) {
		fx.t.Errorf("bdd: state mismatch:\nExpected: %+v\nActual:   %+v", expected, fx.result)
	}
	return fx
}

// ThenVersion asserts the Follower's current version.
func (fx *FollowerFixture[K, E, S]) ThenVersion(expected uint64) *FollowerFixture[K, E, S] {
	fx.t.Helper()
	fx.requireExecuted("ThenVersion")

	if got := fx.f.Version(); got != expected {
		fx.t.Errorf("bdd: version mismatch: expected %d, got %d", expected, got)
	}
	return fx
}

// ThenError asserts the step produced an error matching expectedErr.
func (fx *FollowerFixture[K, E, S]) ThenError(expectedErr error) {
	fx.t.Helper()
	fx.requireExecuted("ThenError")

	if fx.err == nil {
		fx.t.Fatal("bdd: expected error but got success")
	}
	if !errors.Is(fx.err, expectedErr) {
		fx.t.Errorf("bdd: expected error %v, got %v", expectedErr, fx.err)
	}
}

// ThenErrorContains asserts the step's error message contains substring.
func (fx *FollowerFixture[K, E, S]) ThenErrorContains(substring string) {
	fx.t.Helper()
	fx.requireExecuted("ThenErrorContains")

	if fx.err == nil {
		fx.t.Fatal("bdd: expected error but got success")
	}
	if !strings.Contains(fx.err.Error(), substring) {
		fx.t.Errorf("bdd: expected error containing %q, got %q", substring, fx.err.Error())
	}
}

func (fx *FollowerFixture[K, E, S]) requireExecuted(step string) {
	if !fx.executed {
		fx.t.Fatal(fmt.Sprintf("bdd: %s() must be called after a When step", step))
	}
}
