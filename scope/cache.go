// Package scope decides, once per table, whether the table participates in
// the change stream and caches the decision for the life of the process.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrMetadataUnresolved means an in-scope table could not be described by the dictionary
var ErrMetadataUnresolved = errors.New("table metadata unresolved")

// Decision is the cached scope verdict for one table
type Decision struct {
	InScope bool
	Meta    *redo.TableMetadata // set only when InScope
}

// Config configures a Cache
type Config struct {
	Filter     Filter
	Resolver   dictionary.Resolver
	Schema     redo.SchemaKind
	TopicParam string // topic (debezium) or topic prefix (kafka-std)
}

// Cache is the TableScopeCache. Decisions are computed once and never change.
// Both the mining loop and the delivery driver read it; the first goroutine to
// resolve a table id computes the decision while holding that entry's bucket lock.
type Cache struct {
	cfg     Config
	entries *xsync.MapOf[uint64, Decision]
}

// NewCache creates an empty cache
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Filter == nil {
		return nil, fmt.Errorf("scope filter is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("dictionary resolver is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = redo.SchemaKafkaStd
	}
	return &Cache{
		cfg:     cfg,
		entries: xsync.NewMapOf[uint64, Decision](),
	}, nil
}

// Resolve returns the scope decision for a table, computing it on first sight.
// A table unknown to the dictionary is out of scope; any other dictionary
// failure is returned wrapped in ErrMetadataUnresolved and nothing is cached.
func (c *Cache) Resolve(ctx context.Context, id redo.TableID) (Decision, error) {
	if d, ok := c.entries.Load(id.Packed()); ok {
		return d, nil
	}

	var resolveErr error
	d, _ := c.entries.Compute(id.Packed(), func(old Decision, loaded bool) (Decision, bool) {
		if loaded {
			return old, false
		}
		decision, err := c.decide(ctx, id)
		if err != nil {
			resolveErr = err
			return Decision{}, true
		}
		return decision, false
	})
	if resolveErr != nil {
		return Decision{}, resolveErr
	}
	return d, nil
}

func (c *Cache) decide(ctx context.Context, id redo.TableID) (Decision, error) {
	meta, err := c.cfg.Resolver.ResolveTable(ctx, id)
	if errors.Is(err, dictionary.ErrTableNotFound) {
		log.Debug().Str("table_id", id.String()).Msg("Table not in dictionary, marking out of scope")
		telemetry.TablesOutOfScope.Inc()
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: table %s: %v", ErrMetadataUnresolved, id, err)
	}

	if !c.cfg.Filter.Match(meta.Owner, meta.Name) {
		log.Debug().Str("table", meta.FullName()).Str("table_id", id.String()).Msg("Table out of scope")
		telemetry.TablesOutOfScope.Inc()
		return Decision{}, nil
	}

	c.complete(meta, id)
	log.Info().Str("table", meta.FullName()).Str("table_id", id.String()).Str("topic", meta.Topic).Msg("Table in scope")
	telemetry.TablesInScope.Inc()
	return Decision{InScope: true, Meta: meta}, nil
}

func (c *Cache) complete(meta *redo.TableMetadata, id redo.TableID) {
	meta.ID = id
	meta.Schema = c.cfg.Schema
	meta.Topic = redo.TopicFor(c.cfg.Schema, c.cfg.TopicParam, meta.Name)
}

// Metadata returns cached metadata for an in-scope table without resolving
func (c *Cache) Metadata(id redo.TableID) (*redo.TableMetadata, bool) {
	d, ok := c.entries.Load(id.Packed())
	if !ok || !d.InScope {
		return nil, false
	}
	return d.Meta, true
}

// Seed pre-populates decisions from a prior checkpoint. In-scope ids are
// re-described by the dictionary; an in-scope id the dictionary no longer knows
// is treated as corruption. Seeded decisions are not re-filtered.
func (c *Cache) Seed(ctx context.Context, inScope, outOfScope []redo.TableID) error {
	for _, id := range outOfScope {
		if _, loaded := c.entries.LoadOrStore(id.Packed(), Decision{}); !loaded {
			telemetry.TablesOutOfScope.Inc()
		}
	}

	for _, id := range inScope {
		meta, err := c.cfg.Resolver.ResolveTable(ctx, id)
		if errors.Is(err, dictionary.ErrTableNotFound) {
			return fmt.Errorf("data corruption: table %s is in stored state but not in the dictionary", id)
		}
		if err != nil {
			return fmt.Errorf("%w: restoring table %s: %v", ErrMetadataUnresolved, id, err)
		}
		c.complete(meta, id)
		if _, loaded := c.entries.LoadOrStore(id.Packed(), Decision{InScope: true, Meta: meta}); !loaded {
			telemetry.TablesInScope.Inc()
		}
		log.Debug().Str("table", meta.FullName()).Str("table_id", id.String()).Msg("Restored table metadata")
	}

	return nil
}

// InScopeIDs returns the in-scope table ids in packed order
func (c *Cache) InScopeIDs() []redo.TableID {
	return c.collect(true)
}

// OutOfScopeIDs returns the out-of-scope table ids in packed order
func (c *Cache) OutOfScopeIDs() []redo.TableID {
	return c.collect(false)
}

func (c *Cache) collect(inScope bool) []redo.TableID {
	var packed []uint64
	c.entries.Range(func(key uint64, d Decision) bool {
		if d.InScope == inScope {
			packed = append(packed, key)
		}
		return true
	})
	sort.Slice(packed, func(i, j int) bool { return packed[i] < packed[j] })

	ids := make([]redo.TableID, len(packed))
	for i, p := range packed {
		ids[i] = redo.UnpackTableID(p)
	}
	return ids
}

// Tables returns the full names of all in-scope tables
func (c *Cache) Tables() []string {
	var names []string
	c.entries.Range(func(_ uint64, d Decision) bool {
		if d.InScope {
			names = append(names, d.Meta.FullName())
		}
		return true
	})
	sort.Strings(names)
	return names
}
