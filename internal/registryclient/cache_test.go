package registryclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitWithinTimeout(t *testing.T) {
	c := NewCache[int](time.Minute)
	calls := 0
	miss := func() (int, error) {
		calls++
		return calls, nil
	}

	v1, err := c.Get(miss)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := c.Get(miss)
	require.NoError(t, err)
	assert.Equal(t, 1, v2, "second Get within timeout should return the cached value")
	assert.Equal(t, 1, calls)
}

func TestCacheExpiresByAge(t *testing.T) {
	c := NewCache[int](time.Millisecond)
	calls := 0
	miss := func() (int, error) {
		calls++
		return calls, nil
	}

	_, err := c.Get(miss)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	v2, err := c.Get(miss)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestInvalidateInOnlyShortensExpiry(t *testing.T) {
	c := NewCache[int](time.Hour)
	calls := 0
	miss := func() (int, error) {
		calls++
		return calls, nil
	}
	_, err := c.Get(miss)
	require.NoError(t, err)

	c.InvalidateIn(time.Hour * 2) // later than nothing scheduled yet: should set it
	c.InvalidateIn(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	v2, err := c.Get(miss)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestCacheMissErrorLeavesCacheEmpty(t *testing.T) {
	c := NewCache[int](time.Hour)
	wantErr := errors.New("boom")
	_, err := c.Get(func() (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)

	v, err := c.Get(func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
