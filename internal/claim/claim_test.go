package claim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/backend/mockbackend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

func TestClaimRejectsSecondOwner(t *testing.T) {
	b := &mockbackend.Backend{}
	m := New(b)
	loc := backend.Locator{BusID: "1-1"}

	_, err := m.Claim(context.Background(), loc, "owner-a")
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), loc, "owner-b")
	require.Error(t, err)
	require.Equal(t, usbiperr.ClaimUnavailable, usbiperr.KindOf(err))
}

func TestReleaseAllOwnedBy(t *testing.T) {
	b := &mockbackend.Backend{}
	m := New(b)
	loc1 := backend.Locator{BusID: "1-1"}
	loc2 := backend.Locator{BusID: "1-2"}

	_, err := m.Claim(context.Background(), loc1, "owner-a")
	require.NoError(t, err)
	_, err = m.Claim(context.Background(), loc2, "owner-a")
	require.NoError(t, err)

	m.ReleaseAllOwnedBy("owner-a")
	require.False(t, m.IsClaimed("1-1"))
	require.False(t, m.IsClaimed("1-2"))

	_, err = m.Claim(context.Background(), loc1, "owner-b")
	require.NoError(t, err)
}
