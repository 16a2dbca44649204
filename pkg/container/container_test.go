package container

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefbuild/containerv/pkg/types"
)

// fakeProc is an inert process handle.
type fakeProc struct {
	mu     sync.Mutex
	killed bool
	code   int32
}

func (p *fakeProc) Wait() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

// fakeBackend records engine interactions.
type fakeBackend struct {
	mu         sync.Mutex
	realized   bool
	tornDown   bool
	realizeErr error
	spawned    []*fakeProc
}

func (b *fakeBackend) Kind() types.Backend  { return types.BackendLinux }
func (b *fakeBackend) GuestIsWindows() bool { return false }

func (b *fakeBackend) Realize(ctx context.Context, c *Container) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.realizeErr != nil {
		return b.realizeErr
	}
	b.realized = true
	return nil
}

func (b *fakeBackend) Spawn(ctx context.Context, c *Container, path string, args, env []string) (Process, error) {
	p := &fakeProc{}
	b.mu.Lock()
	b.spawned = append(b.spawned, p)
	b.mu.Unlock()
	return p, nil
}

func (b *fakeBackend) Upload(ctx context.Context, c *Container, hostPath, guestPath string) error {
	return nil
}

func (b *fakeBackend) Download(ctx context.Context, c *Container, guestPath, hostPath string) error {
	return nil
}

func (b *fakeBackend) Teardown(ctx context.Context, c *Container) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tornDown = true
}

func TestCreateDestroyLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}

	c, err := createWithBackend(ctx, Options{}, backend)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), c.ID())
	assert.Equal(t, types.ContainerStateCreated, c.State())
	assert.DirExists(t, c.RuntimeDir())
	assert.DirExists(t, c.StagingDir())
	assert.True(t, backend.realized)

	// Hostname defaults to the id.
	assert.Equal(t, c.ID(), c.hostname)

	c.Destroy(ctx)
	assert.Equal(t, types.ContainerStateDestroyed, c.State())
	assert.True(t, backend.tornDown)
	assert.NoDirExists(t, c.RuntimeDir())
}

func TestDestroyIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := createWithBackend(ctx, Options{}, &fakeBackend{})
	require.NoError(t, err)

	c.Destroy(ctx)
	c.Destroy(ctx)
	assert.Equal(t, types.ContainerStateDestroyed, c.State())
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{realizeErr: fmt.Errorf("no rootfs: %w", errdefs.ErrNotFound)}

	_, err := createWithBackend(ctx, Options{}, backend)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, backend.tornDown)
}

func TestSpawnTransitionsToRunning(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	c, err := createWithBackend(ctx, Options{}, backend)
	require.NoError(t, err)
	defer c.Destroy(ctx)

	p, err := c.Spawn(ctx, "/bin/true", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, c.State())

	code, err := c.Wait(p)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestSpawnAfterDestroyFails(t *testing.T) {
	ctx := context.Background()
	c, err := createWithBackend(ctx, Options{}, &fakeBackend{})
	require.NoError(t, err)
	c.Destroy(ctx)

	_, err = c.Spawn(ctx, "/bin/true", nil, nil)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestDestroyKillsTrackedProcesses(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	c, err := createWithBackend(ctx, Options{}, backend)
	require.NoError(t, err)

	_, err = c.Spawn(ctx, "/bin/sleep", []string{"30"}, nil)
	require.NoError(t, err)
	_, err = c.Spawn(ctx, "/bin/sleep", []string{"60"}, nil)
	require.NoError(t, err)

	c.Destroy(ctx)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.spawned, 2)
	for _, p := range backend.spawned {
		p.mu.Lock()
		assert.True(t, p.killed)
		p.mu.Unlock()
	}
}

func TestIDsUniqueWithinProcess(t *testing.T) {
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		c, err := createWithBackend(ctx, Options{}, &fakeBackend{})
		require.NoError(t, err)
		assert.False(t, seen[c.ID()])
		seen[c.ID()] = true
		defer c.Destroy(ctx)
	}
}

func TestHostnameOverride(t *testing.T) {
	ctx := context.Background()
	c, err := createWithBackend(ctx, Options{Hostname: "builder"}, &fakeBackend{})
	require.NoError(t, err)
	defer c.Destroy(ctx)
	assert.Equal(t, "builder", c.hostname)
}
