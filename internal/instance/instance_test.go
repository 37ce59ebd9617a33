package instance

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("build-1"))
	require.NoError(t, ValidateName("Default_2"))
	require.Error(t, ValidateName("has space"))
	require.Error(t, ValidateName(""))
	require.Error(t, ValidateName("slash/here"))
}

func TestBulkRunsEveryInstanceIndependently(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	var calls int32

	outcomes := Bulk(context.Background(), names, func(ctx context.Context, name string) error {
		atomic.AddInt32(&calls, 1)
		if name == "b" {
			return errors.New("boom")
		}
		time.Sleep(time.Millisecond)
		return nil
	})

	require.Equal(t, int32(4), calls)
	require.Len(t, outcomes, 4)

	got := map[string]error{}
	for _, o := range outcomes {
		got[o.Instance] = o.Err
	}
	require.NoError(t, got["a"])
	require.Error(t, got["b"])
	require.NoError(t, got["c"])
	require.NoError(t, got["d"])
}

func TestBulkNeverShortCircuits(t *testing.T) {
	names := []string{"x", "y", "z"}
	outcomes := Bulk(context.Background(), names, func(ctx context.Context, name string) error {
		return errors.New(name + " failed")
	})
	require.True(t, AnyFailed(outcomes))

	var seen []string
	for _, o := range outcomes {
		seen = append(seen, o.Instance)
		require.Error(t, o.Err)
	}
	sort.Strings(seen)
	require.Equal(t, []string{"x", "y", "z"}, seen)
}

func TestAnyFailedFalseWhenAllSucceed(t *testing.T) {
	outcomes := Bulk(context.Background(), []string{"a", "b"}, func(ctx context.Context, name string) error {
		return nil
	})
	require.False(t, AnyFailed(outcomes))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "unmounted", Unmounted.String())
	require.Equal(t, "mounted", Mounted.String())
	require.Equal(t, "booted", Booted.String())
}
