package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciel/internal/errs"
	"ciel/internal/layout"
	"ciel/internal/logx"
)

func TestAcquireWorkspaceSecondCallerIsBusy(t *testing.T) {
	ws, err := layout.New(t.TempDir())
	require.NoError(t, err)

	first, err := AcquireWorkspace(ws, logx.NoOp{})
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = AcquireWorkspace(ws, logx.NoOp{})
	require.ErrorIs(t, err, errs.ErrWorkspaceBusy)

	require.NoError(t, first.Release())

	second, err := AcquireWorkspace(ws, logx.NoOp{})
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireInstanceSerializesOneInstance(t *testing.T) {
	root := t.TempDir()
	lockPath := filepath.Join(root, "inst-a", ".lock")

	l1, err := AcquireInstance(lockPath, logx.NoOp{})
	require.NoError(t, err)

	_, err = AcquireInstance(lockPath, logx.NoOp{})
	require.ErrorIs(t, err, errs.ErrInstanceBusy)

	require.NoError(t, l1.Release())

	l2, err := AcquireInstance(lockPath, logx.NoOp{})
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestSignalRunsCompensationsOnSignal(t *testing.T) {
	log := &logx.Recording{}
	sig, ctx := NewSignal(context.Background(), log, 500*time.Millisecond)

	ran := make(chan struct{}, 1)
	sig.Register(func() error {
		ran <- struct{}{}
		return nil
	})

	require.False(t, sig.Canceled())
	sig.sigCh <- os.Interrupt
	<-sig.done
	require.True(t, sig.Canceled())
	require.Error(t, ctx.Err())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("compensation did not run after signal delivery")
	}
}

func TestSignalStopUnregistersCleanly(t *testing.T) {
	log := &logx.Recording{}
	sig, _ := NewSignal(context.Background(), log, 500*time.Millisecond)
	sig.Stop()
	require.True(t, sig.Canceled())
}

func TestSignalRegisterUnregister(t *testing.T) {
	log := &logx.Recording{}
	sig, _ := NewSignal(context.Background(), log, 500*time.Millisecond)

	var ran bool
	unregister := sig.Register(func() error {
		ran = true
		return nil
	})
	unregister()

	sig.sigCh <- os.Interrupt
	<-sig.done
	require.False(t, ran)
}
