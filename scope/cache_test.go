package scope

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/redo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	deptID  = redo.TableID{Container: 0, Object: 101}
	empID   = redo.TableID{Container: 0, Object: 102}
	auditID = redo.TableID{Container: 0, Object: 103}
	ghostID = redo.TableID{Container: 0, Object: 999}
)

func testDictionary() dictionary.StaticResolver {
	return dictionary.StaticResolver{
		deptID:  {Owner: "SCOTT", Name: "DEPT", PrimaryKey: []string{"DEPTNO"}},
		empID:   {Owner: "SCOTT", Name: "EMP", PrimaryKey: []string{"EMPNO"}},
		auditID: {Owner: "SCOTT", Name: "AUDIT_TRAIL"},
	}
}

// countingResolver counts lookups and can be told to fail
type countingResolver struct {
	inner dictionary.Resolver
	calls atomic.Int32
	err   error
}

func (r *countingResolver) ResolveTable(ctx context.Context, id redo.TableID) (*redo.TableMetadata, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.inner.ResolveTable(ctx, id)
}

func newTestCache(t *testing.T, resolver dictionary.Resolver, kind redo.SchemaKind, topic string) *Cache {
	t.Helper()
	filter, err := NewGlobFilter([]string{"SCOTT.*"}, []string{"*.AUDIT_*"})
	require.NoError(t, err)

	cache, err := NewCache(Config{
		Filter:     filter,
		Resolver:   resolver,
		Schema:     kind,
		TopicParam: topic,
	})
	require.NoError(t, err)
	return cache
}

func TestCacheResolve(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, testDictionary(), redo.SchemaKafkaStd, "cdc")

	d, err := cache.Resolve(ctx, deptID)
	require.NoError(t, err)
	require.True(t, d.InScope)
	assert.Equal(t, "cdc_DEPT", d.Meta.Topic)
	assert.Equal(t, redo.SchemaKafkaStd, d.Meta.Schema)
	assert.Equal(t, deptID, d.Meta.ID)

	d, err = cache.Resolve(ctx, auditID)
	require.NoError(t, err)
	assert.False(t, d.InScope, "excluded table must be out of scope")

	d, err = cache.Resolve(ctx, ghostID)
	require.NoError(t, err)
	assert.False(t, d.InScope, "unknown table must be out of scope")

	meta, ok := cache.Metadata(deptID)
	require.True(t, ok)
	assert.Equal(t, "SCOTT.DEPT", meta.QualifiedName())

	_, ok = cache.Metadata(auditID)
	assert.False(t, ok)
	_, ok = cache.Metadata(empID)
	assert.False(t, ok, "Metadata must not resolve unseen tables")
}

func TestCacheDecisionIsStable(t *testing.T) {
	ctx := context.Background()
	resolver := &countingResolver{inner: testDictionary()}
	cache := newTestCache(t, resolver, redo.SchemaDebezium, "cdc")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := cache.Resolve(ctx, empID)
			assert.NoError(t, err)
			assert.True(t, d.InScope)
			assert.Equal(t, "cdc", d.Meta.Topic)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resolver.calls.Load(), "decision must be computed once")
}

func TestCacheResolverFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	resolver := &countingResolver{inner: testDictionary(), err: errors.New("connection reset")}
	cache := newTestCache(t, resolver, redo.SchemaKafkaStd, "")

	_, err := cache.Resolve(ctx, deptID)
	require.ErrorIs(t, err, ErrMetadataUnresolved)

	resolver.err = nil
	d, err := cache.Resolve(ctx, deptID)
	require.NoError(t, err)
	assert.True(t, d.InScope)
	assert.Equal(t, "DEPT", d.Meta.Topic)
}

func TestCacheSeed(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, testDictionary(), redo.SchemaKafkaStd, "")

	err := cache.Seed(ctx, []redo.TableID{empID, deptID}, []redo.TableID{auditID, ghostID})
	require.NoError(t, err)

	assert.Equal(t, []redo.TableID{deptID, empID}, cache.InScopeIDs())
	assert.Equal(t, []redo.TableID{auditID, ghostID}, cache.OutOfScopeIDs())
	assert.Equal(t, []string{"SCOTT.DEPT", "SCOTT.EMP"}, cache.Tables())

	d, err := cache.Resolve(ctx, ghostID)
	require.NoError(t, err)
	assert.False(t, d.InScope)
}

func TestCacheSeedMissingInScopeTable(t *testing.T) {
	cache := newTestCache(t, testDictionary(), redo.SchemaKafkaStd, "")

	err := cache.Seed(context.Background(), []redo.TableID{ghostID}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data corruption")
}

func TestNewCacheValidation(t *testing.T) {
	_, err := NewCache(Config{Resolver: testDictionary()})
	assert.Error(t, err)

	filter, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)
	_, err = NewCache(Config{Filter: filter})
	assert.Error(t, err)
}
