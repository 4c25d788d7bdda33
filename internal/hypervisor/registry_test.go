package hypervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string                                       { return s.name }
func (s stubAdapter) Initialise(ctx context.Context) error                { return nil }
func (s stubAdapter) ListGuestsWithPrefix(ctx context.Context, p string) ([]string, error) {
	return nil, nil
}
func (s stubAdapter) DefineGuest(ctx context.Context, from, name string, c []CdromImage) error {
	return nil
}
func (s stubAdapter) StartGuest(ctx context.Context, name string) error { return nil }
func (s stubAdapter) WaitForGuestShutdown(ctx context.Context, name string, t time.Duration) error {
	return nil
}
func (s stubAdapter) RenameGuest(ctx context.Context, old, new string) error { return nil }
func (s stubAdapter) DeleteGuest(ctx context.Context, name string) error    { return nil }
func (s stubAdapter) GuestIPv4(ctx context.Context, name string) (net.IP, bool) {
	return nil, false
}
func (s stubAdapter) UpdateScreenshot(ctx context.Context, name, dir string) error { return nil }
func (s stubAdapter) PruneBaseImageFiles(ctx context.Context, profile string, keep map[string]bool) error {
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	Register(stubAdapter{name: "test-adapter"})
	a, err := Get("test-adapter")
	require.NoError(t, err)
	assert.Equal(t, "test-adapter", a.Name())

	_, err = Get("does-not-exist")
	assert.Error(t, err)
}
