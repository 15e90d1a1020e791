package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaAllGroupsSucceed(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, name)
	}

	s := New(nil)

	err := s.RunGroup(context.Background(),
		Action{Name: "reserve-a", Do: func(ctx context.Context) error { record("reserve-a"); return nil }},
		Action{Name: "reserve-b", Do: func(ctx context.Context) error { record("reserve-b"); return nil }},
	)
	require.NoError(t, err)

	err = s.RunGroup(context.Background(),
		Action{Name: "confirm-a", Do: func(ctx context.Context) error { record("confirm-a"); return nil }},
	)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"reserve-a", "reserve-b", "confirm-a"}, executed)
}

func TestSagaOnCommitRunsWhenDoSucceeds(t *testing.T) {
	var mu sync.Mutex
	var committed []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, name)
	}

	s := New(nil)
	err := s.RunGroup(context.Background(),
		Action{
			Name:     "reserve-a",
			Do:       func(ctx context.Context) error { return nil },
			OnCommit: func(ctx context.Context) { record("reserve-a") },
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve-a"}, committed)
}

func TestSagaOnCommitSkippedWhenDoFails(t *testing.T) {
	var onCommitCalled bool

	s := New(nil)
	err := s.RunGroup(context.Background(),
		Action{
			Name:     "reserve-a",
			Do:       func(ctx context.Context) error { return errors.New("seller rejected") },
			OnCommit: func(ctx context.Context) { onCommitCalled = true },
		},
	)
	require.Error(t, err)
	assert.False(t, onCommitCalled)
}

func TestSagaGroupFailureLeavesOnlySuccessfulActionsToCompensate(t *testing.T) {
	var mu sync.Mutex
	var compensated []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		compensated = append(compensated, name)
	}

	s := New(nil)
	err := s.RunGroup(context.Background(),
		Action{
			Name:       "reserve-a",
			Do:         func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { record("cancel-a"); return nil },
		},
		Action{
			Name:       "reserve-b",
			Do:         func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { record("cancel-b"); return nil },
		},
	)
	require.NoError(t, err)

	err = s.RunGroup(context.Background(),
		Action{
			Name:       "confirm-a",
			Do:         func(ctx context.Context) error { return errors.New("seller rejected") },
			Compensate: func(ctx context.Context) error { record("uncommit-confirm-a"); return nil },
		},
	)
	require.Error(t, err)

	s.Compensate(context.Background())

	// the confirm group's single action never committed (its Do failed),
	// so only the two reserve actions are compensated.
	assert.ElementsMatch(t, []string{"cancel-a", "cancel-b"}, compensated)
}

func TestSagaCompensationContinuesAfterOneFailure(t *testing.T) {
	var failedActions []string
	onFail := func(action Action, err error) {
		failedActions = append(failedActions, action.Name)
	}

	s := New(onFail)
	err := s.RunGroup(context.Background(),
		Action{
			Name:       "reserve-a",
			Do:         func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errors.New("seller unreachable") },
		},
		Action{
			Name:       "reserve-b",
			Do:         func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return nil },
		},
	)
	require.NoError(t, err)

	s.Compensate(context.Background())
	assert.Contains(t, failedActions, "reserve-a")
}

func TestSagaRunGroupHonorsCallerTimeout(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.RunGroup(ctx,
		Action{
			Name: "slow",
			Do: func(ctx context.Context) error {
				select {
				case <-time.After(200 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	)
	require.Error(t, err)
}

func TestSagaCompensatesEarlierGroupWhenLaterGroupTimesOut(t *testing.T) {
	var mu sync.Mutex
	var compensated []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		compensated = append(compensated, name)
	}

	s := New(nil)
	err := s.RunGroup(context.Background(),
		Action{
			Name:       "reserve-a",
			Do:         func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { record("cancel-a"); return nil },
		},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.RunGroup(ctx,
		Action{
			Name: "confirm-a",
			Do: func(ctx context.Context) error {
				select {
				case <-time.After(200 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	)
	require.Error(t, err)

	s.Compensate(context.Background())
	assert.Equal(t, []string{"cancel-a"}, compensated)
}
