package urbtracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/backend/mockbackend"
)

func TestRegisterTakeAndDrain(t *testing.T) {
	tr := New()
	h := mockbackend.NewHandle(backend.Descriptor{})

	require.NoError(t, tr.Register(1, h))
	require.NoError(t, tr.Register(2, h))
	require.Equal(t, 2, tr.Outstanding())

	drained := tr.Drained()
	select {
	case <-drained:
		t.Fatal("should not be drained yet")
	default:
	}

	_, ok := tr.Take(1)
	require.True(t, ok)
	_, ok = tr.Take(2)
	require.True(t, ok)

	<-drained
	require.Equal(t, 0, tr.Outstanding())
}

func TestTakeUnknownSeqnum(t *testing.T) {
	tr := New()
	_, ok := tr.Take(99)
	require.False(t, ok)
}

func TestRequestCancelForwardsToHandle(t *testing.T) {
	tr := New()
	h := mockbackend.NewHandle(backend.Descriptor{})
	require.NoError(t, tr.Register(5, h))

	result, err := tr.RequestCancel(5)
	require.NoError(t, err)
	require.Equal(t, Pending, result)
	require.Contains(t, h.Canceled(), uint32(5))
}

func TestRequestCancelAfterTakeReportsAlreadyCompleted(t *testing.T) {
	tr := New()
	h := mockbackend.NewHandle(backend.Descriptor{})
	require.NoError(t, tr.Register(5, h))

	_, ok := tr.Take(5)
	require.True(t, ok)

	result, err := tr.RequestCancel(5)
	require.NoError(t, err)
	require.Equal(t, AlreadyCompleted, result)
	require.Empty(t, h.Canceled(), "backend Cancel must not be invoked for a seqnum that already completed")
}

func TestRequestCancelUnknownSeqnumReportsAlreadyCompleted(t *testing.T) {
	tr := New()
	result, err := tr.RequestCancel(99)
	require.NoError(t, err)
	require.Equal(t, AlreadyCompleted, result)
}

func TestRegisterDuplicateSeqnumFails(t *testing.T) {
	tr := New()
	h := mockbackend.NewHandle(backend.Descriptor{})
	require.NoError(t, tr.Register(7, h))
	require.Error(t, tr.Register(7, h))
}
