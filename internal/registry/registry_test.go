package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
)

type fakeBackend struct {
	locs []backend.Locator
}

func (f *fakeBackend) Enumerate(ctx context.Context) ([]backend.Locator, error) { return f.locs, nil }
func (f *fakeBackend) Describe(ctx context.Context, loc backend.Locator) (backend.Descriptor, error) {
	return backend.Descriptor{Path: loc.BusID}, nil
}
func (f *fakeBackend) Open(ctx context.Context, loc backend.Locator) (backend.Handle, error) {
	return nil, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshPublishesAddedAndRemoved(t *testing.T) {
	b := &fakeBackend{locs: []backend.Locator{{BusID: "1-1"}}}
	r := New(b, silentLogger())
	ch := r.Subscribe()

	require.NoError(t, r.Refresh(context.Background()))
	select {
	case ev := <-ch:
		require.True(t, ev.Added)
		require.Equal(t, "1-1", ev.Entry.Locator.BusID)
	default:
		t.Fatal("expected an Added event")
	}

	entry, ok := r.Lookup("1-1")
	require.True(t, ok)
	require.Equal(t, "1-1", entry.Descriptor.Path)

	b.locs = nil
	require.NoError(t, r.Refresh(context.Background()))
	select {
	case ev := <-ch:
		require.False(t, ev.Added)
		require.Equal(t, "1-1", ev.Entry.Locator.BusID)
	default:
		t.Fatal("expected a removed event")
	}

	_, ok = r.Lookup("1-1")
	require.False(t, ok)
}

func TestListIsSortedByBusID(t *testing.T) {
	b := &fakeBackend{locs: []backend.Locator{
		{BusID: "2-1"},
		{BusID: "1-10"},
		{BusID: "1-2"},
		{BusID: "10-1"},
	}}
	r := New(b, silentLogger())
	require.NoError(t, r.Refresh(context.Background()))

	var gotOrder []string
	for _, e := range r.List() {
		gotOrder = append(gotOrder, e.Locator.BusID)
	}
	require.Equal(t, []string{"1-2", "1-10", "2-1", "10-1"}, gotOrder)
}
