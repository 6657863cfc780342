package core

import (
	"context"
	"testing"
)

// TestTaskTraits_Helpers verifies the traits constructors
// Given: The traits helpers
// When: Each is called
// Then: It returns the matching priority
func TestTaskTraits_Helpers(t *testing.T) {
	cases := map[string]struct {
		traits TaskTraits
		want   TaskPriority
	}{
		"default":       {DefaultTaskTraits(), TaskPriorityUserVisible},
		"user blocking": {TraitsUserBlocking(), TaskPriorityUserBlocking},
		"best effort":   {TraitsBestEffort(), TaskPriorityBestEffort},
	}
	for name, tc := range cases {
		if tc.traits.Priority != tc.want {
			t.Errorf("%s: Priority = %d, want %d", name, tc.traits.Priority, tc.want)
		}
	}
}

// TestGetCurrentTaskRunner verifies extracting task runner from context
// Given: A plain context and a context containing task runner value
// When: GetCurrentTaskRunner is called
// Then: It returns nil for plain context and the stored runner for annotated context
func TestGetCurrentTaskRunner(t *testing.T) {
	// Arrange, Act and Assert - plain context
	if got := GetCurrentTaskRunner(context.Background()); got != nil {
		t.Fatalf("GetCurrentTaskRunner(background) = %#v, want nil", got)
	}

	// Arrange
	runner := NewSingleThreadTaskRunner("ctx", nil, nil)
	defer runner.Stop()
	ctx := context.WithValue(context.Background(), taskRunnerKey, runner)

	// Act and Assert
	if got := GetCurrentTaskRunner(ctx); got != runner {
		t.Fatal("GetCurrentTaskRunner(ctx) did not return the runner from context")
	}
	if GetCurrentLooper(ctx) != nil {
		t.Error("GetCurrentLooper(ctx) for a non-looper runner should be nil")
	}
}

func TestFatalError(t *testing.T) {
	err := Fatalf("counter corrupted: %d", -1)
	if err.Error() != "counter corrupted: -1" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsUnrecoverable(err) {
		t.Error("IsUnrecoverable(FatalError) = false")
	}
	if IsUnrecoverable("plain") || IsUnrecoverable(nil) {
		t.Error("IsUnrecoverable reported an ordinary value as unrecoverable")
	}
}
