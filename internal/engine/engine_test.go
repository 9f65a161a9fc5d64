package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

type nopEngine struct{ region string }

func (nopEngine) Run(context.Context, RunSpec) (string, error) { return "", nil }
func (nopEngine) Terminate(context.Context, string) error      { return nil }
func (nopEngine) ListByTag(context.Context, map[string]string) ([]Instance, error) {
	return nil, nil
}
func (nopEngine) Describe(context.Context, string) (string, error) { return "", nil }

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	transient := Transient("run", base)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.ErrorIs(t, transient, base)

	fatal := fmt.Errorf("wrapped: %w", Fatal("run", base))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(nil))
}

func TestCachedFactoryBuildsOncePerCluster(t *testing.T) {
	var builds atomic.Int32
	f, err := NewCachedFactory(4, func(_ context.Context, p cluster.Profile) (Engine, error) {
		builds.Add(1)
		return nopEngine{region: p.Region()}, nil
	})
	require.NoError(t, err)

	profile := cluster.Profile{cluster.KeyRegion: "eu-west-1"}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Engine(context.Background(), profile)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())

	other := cluster.Profile{cluster.KeyRegion: "us-east-1"}
	eng, err := f.Engine(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, nopEngine{region: "us-east-1"}, eng)
	assert.Equal(t, 2, f.Len())
}

func TestCachedFactoryDoesNotCacheFailures(t *testing.T) {
	calls := 0
	f, err := NewCachedFactory(4, func(context.Context, cluster.Profile) (Engine, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no credentials")
		}
		return nopEngine{}, nil
	})
	require.NoError(t, err)

	_, err = f.Engine(context.Background(), cluster.Profile{})
	assert.Error(t, err)

	_, err = f.Engine(context.Background(), cluster.Profile{})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewCachedFactoryRejectsBadSize(t *testing.T) {
	_, err := NewCachedFactory(0, nil)
	assert.Error(t, err)
}
