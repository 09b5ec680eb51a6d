package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamart/snsync/sncerr"
)

const hostSchema = `<u_dm_host>
	<element name="u_name" internal_type="string" max_length="40"/>
	<element name="u_count" internal_type="integer" max_length="40"/>
	<element name="u_owner" internal_type="reference" reference_table="u_dm_user" max_length="32"/>
	<element name="u_state" internal_type="integer" choice_list="true" max_length="40"/>
</u_dm_host>`

func TestParse(t *testing.T) {
	tbl, err := Parse("u_dm_host", []byte(hostSchema))
	require.NoError(t, err)
	assert.Equal(t, "u_dm_host", tbl.Name)
	assert.Len(t, tbl.Columns, 4)

	owner := tbl.Columns["u_owner"]
	assert.Equal(t, "reference", owner.Type)
	assert.Equal(t, "u_dm_user", owner.ReferenceTable)
	assert.Equal(t, 32, owner.MaxLength)
	assert.False(t, owner.ChoiceList)

	assert.True(t, tbl.Columns["u_state"].ChoiceList)
	assert.Equal(t, []string{"u_count", "u_name", "u_owner", "u_state"}, tbl.Names())
}

func TestParseEmptySchema(t *testing.T) {
	_, err := Parse("u_x", []byte(`<u_x></u_x>`))
	assert.True(t, errors.Is(err, sncerr.Schema), "got %v", err)
}

func TestParseMissingType(t *testing.T) {
	_, err := Parse("u_x", []byte(`<u_x><element name="u_a"/></u_x>`))
	assert.True(t, errors.Is(err, sncerr.Schema), "got %v", err)
}

func TestParseMalformedXML(t *testing.T) {
	_, err := Parse("u_x", []byte(`not xml`))
	assert.True(t, errors.Is(err, sncerr.Schema), "got %v", err)
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	var fetches atomic.Int32
	gate := make(chan struct{})
	fetch := func(ctx context.Context, table string) ([]byte, error) {
		fetches.Add(1)
		<-gate
		return []byte(hostSchema), nil
	}
	c := NewCache(fetch, 0)

	const n = 10
	results := make([]*Table, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tbl, err := c.Get(context.Background(), "u_dm_host")
			require.NoError(t, err)
			results[i] = tbl
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "one underlying fetch for N concurrent misses")
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "all waiters observe the same published schema")
	}
}

func TestCacheExpiry(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, table string) ([]byte, error) {
		fetches.Add(1)
		return []byte(hostSchema), nil
	}
	c := NewCache(fetch, 30*time.Millisecond)

	_, err := c.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	time.Sleep(50 * time.Millisecond)
	_, err = c.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load(), "expired entry must be refetched")
}

func TestCacheInvalidate(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, table string) ([]byte, error) {
		fetches.Add(1)
		return []byte(hostSchema), nil
	}
	c := NewCache(fetch, 0)

	c.Get(context.Background(), "u_dm_host")
	c.Invalidate("u_dm_host")
	c.Get(context.Background(), "u_dm_host")
	assert.Equal(t, int32(2), fetches.Load())
}

func TestCacheFetchErrorNotCached(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, table string) ([]byte, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return []byte(hostSchema), nil
	}
	c := NewCache(fetch, 0)

	_, err := c.Get(context.Background(), "u_dm_host")
	require.Error(t, err)
	tbl, err := c.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.True(t, tbl.Has("u_name"))
}
