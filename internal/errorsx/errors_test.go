package errorsx_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anacrolix/piecework/internal/errorsx"
)

func TestWithStackFormatting(t *testing.T) {
	require.Equal(t, "derp", fmt.Sprintf("%s", errorsx.WithStack(fmt.Errorf("derp"))))
	require.Equal(t, "derp", fmt.Sprintf("%s", errorsx.WithStack(errorsx.New("derp"))))
	require.Equal(t, "derp: 5", fmt.Sprintf("%s", errorsx.WithStack(errorsx.Errorf("derp: %d", 5))))
	require.Equal(t, "failed: derp", fmt.Sprintf("%s", errorsx.Wrap(fmt.Errorf("derp"), "failed")))
	require.Equal(t, "failed 3: derp", fmt.Sprintf("%v", errorsx.Wrapf(fmt.Errorf("derp"), "failed %d", 3)))
}

const errConst = errorsx.String("constant")

func TestStringIsMatchable(t *testing.T) {
	wrapped := errorsx.Wrap(errConst, "context")
	require.True(t, errors.Is(wrapped, errConst))
	require.True(t, errorsx.Is(wrapped, io(), errConst))
	require.NoError(t, errorsx.Ignore(wrapped, errConst))
	require.Error(t, errorsx.Ignore(wrapped, io()))
}

func io() error { return errorsx.String("io") }

func TestCompact(t *testing.T) {
	require.NoError(t, errorsx.Compact(nil, nil))
	require.Equal(t, errConst, errorsx.Compact(nil, errConst, errorsx.String("other")))
}

func TestCollectorConcurrent(t *testing.T) {
	var (
		c  errorsx.Collector
		wg sync.WaitGroup
	)

	require.NoError(t, c.Err())
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Add(fmt.Errorf("worker %d", i))
			}
			c.Add(nil)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, c.Len())
	require.ErrorContains(t, c.Err(), "worker 4")
}
