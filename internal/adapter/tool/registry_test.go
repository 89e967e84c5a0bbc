package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbagent/internal/domain"
)

func peopleProvider() *fakeProvider {
	return &fakeProvider{
		name: "people",
		tools: []domain.ToolDescriptor{
			descriptor("people", "add_data", addDataSchema),
			descriptor("people", "read_data", `{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
	}
}

func TestRegistryBeforeDiscovery(t *testing.T) {
	r := NewRegistry([]domain.ToolProvider{peopleProvider()}, 0, testLogger())

	assert.Nil(t, r.Snapshot())
	assert.Empty(t, r.ListCached())
	assert.False(t, r.Stale())
}

func TestRegistryDiscover(t *testing.T) {
	r := NewRegistry([]domain.ToolProvider{peopleProvider()}, time.Second, testLogger())

	tools, err := r.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 2, snap.Len())
	assert.Len(t, r.ListCached(), 2)

	_, ok := snap.Lookup("add_data")
	assert.True(t, ok)
}

func TestRegistryDiscoverReplacesSnapshot(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())

	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	first := r.Snapshot()

	p.tools = p.tools[:1]
	_, err = r.Discover(context.Background())
	require.NoError(t, err)
	second := r.Snapshot()

	assert.Equal(t, 2, first.Len(), "old snapshot must not change")
	assert.Equal(t, 1, second.Len())
	assert.Greater(t, second.Version, first.Version)
}

func TestRegistryDiscoverFailureKeepsSnapshot(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())

	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	before := r.Snapshot()

	p.listErr = errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")
	_, err = r.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnreachable)
	assert.Same(t, before, r.Snapshot())
}

func TestRegistryDiscoverDuplicateNames(t *testing.T) {
	a := peopleProvider()
	b := &fakeProvider{name: "other", tools: []domain.ToolDescriptor{
		descriptor("other", "add_data", `{"type":"object"}`),
	}}
	r := NewRegistry([]domain.ToolProvider{a, b}, 0, testLogger())

	_, err := r.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Nil(t, r.Snapshot())
}

func TestRegistryDiscoverSchemaDoesNotCompile(t *testing.T) {
	p := &fakeProvider{name: "people", tools: []domain.ToolDescriptor{
		descriptor("people", "broken", `{"type":"object","properties":{"x":{"$ref":"#/definitions/missing"}}}`),
	}}
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())

	_, err := r.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestRegistryDiscoverPassesProtocolErrors(t *testing.T) {
	p := &fakeProvider{name: "people", listErr: domain.ErrProtocol}
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())

	_, err := r.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.NotErrorIs(t, err, domain.ErrProviderUnreachable)
}

func TestRegistryDiscoverTimeout(t *testing.T) {
	p := &fakeProvider{name: "slow"}
	slow := &blockingProvider{fakeProvider: p}
	r := NewRegistry([]domain.ToolProvider{slow}, 20*time.Millisecond, testLogger())

	_, err := r.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnreachable)
}

// blockingProvider lists tools only when its context ends.
type blockingProvider struct {
	*fakeProvider
}

func (b *blockingProvider) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRegistryStaleOnToolsChanged(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, p.onChange, 1)
	p.onChange[0]()
	assert.True(t, r.Stale())

	_, err = r.Discover(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Stale())
}

func TestRegistryKeepsChangeAnnouncedDuringDiscovery(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())
	p.listFunc = func() { p.onChange[0]() }

	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Stale(), "change sent while listing must trigger another discovery")

	p.listFunc = nil
	_, err = r.Discover(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Stale())
}

func TestRegistryFailedDiscoveryStaysStale(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	r.MarkStale()
	p.listErr = fmt.Errorf("%w: gone", domain.ErrProviderUnreachable)
	_, err = r.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, r.Stale())
}

func TestRegistryConcurrentReads(t *testing.T) {
	r := NewRegistry([]domain.ToolProvider{peopleProvider()}, 0, testLogger())
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Discover(context.Background())
		}()
		go func() {
			defer wg.Done()
			snap := r.Snapshot()
			assert.Equal(t, 2, snap.Len())
		}()
	}
	wg.Wait()
}

func TestRegistryPublishesDiscovery(t *testing.T) {
	bus := &recordingBus{}
	r := NewRegistry([]domain.ToolProvider{peopleProvider()}, 0, testLogger())
	r.SetEventBus(bus)

	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.EventToolsDiscovered, bus.events[0].Type)
	assert.JSONEq(t, `{"version":1,"count":2}`, string(bus.events[0].Payload))
}

func TestRegistryClose(t *testing.T) {
	p := peopleProvider()
	r := NewRegistry([]domain.ToolProvider{p}, 0, testLogger())
	require.NoError(t, r.Close())
	assert.True(t, p.closed)
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}
