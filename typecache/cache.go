// Package typecache keeps the remote type metadata (structure definitions and
// super-type chains) that the converter needs to decode and encode values.
//
// Lookups are fetch-through: a miss asks the Fetcher, normally the OPC UA
// session, and stores the answer. Clear drops everything at once after the
// server lost its state.
package typecache

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"opcua-gateway/errs"
	"opcua-gateway/value"
)

// MaxDepth bounds the recursion of Preload into nested structure fields.
const MaxDepth = 32

// Fetcher loads type metadata from the server.
type Fetcher interface {
	StructureDefinition(ctx context.Context, typeID value.NodeID) (*StructureDefinition, error)
	SuperTypes(ctx context.Context, typeID value.NodeID) ([]value.NodeID, error)
}

type tables struct {
	definitions map[value.NodeID]*StructureDefinition
	superTypes  map[value.NodeID][]value.NodeID
}

func newTables() *tables {
	return &tables{
		definitions: make(map[value.NodeID]*StructureDefinition),
		superTypes:  make(map[value.NodeID][]value.NodeID),
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	fetcher Fetcher
	log     logrus.FieldLogger

	mu sync.RWMutex
	t  *tables
}

// New creates an empty cache backed by fetcher.
func New(fetcher Fetcher, log logrus.FieldLogger) *Cache {
	return &Cache{fetcher: fetcher, log: log, t: newTables()}
}

// current returns the live tables. Clear swaps the pointer, so a caller holding
// the result keeps a consistent view.
func (c *Cache) current() *tables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// StructureDefinition returns the definition of typeID, fetching it on a miss.
func (c *Cache) StructureDefinition(ctx context.Context, typeID value.NodeID) (*StructureDefinition, error) {
	t := c.current()
	c.mu.RLock()
	def, ok := t.definitions[typeID]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := c.fetcher.StructureDefinition(ctx, typeID)
	if err != nil {
		return nil, errs.Conversion("cannot get structure definition of %s: %w", typeID, err)
	}
	if def == nil {
		return nil, errs.Conversion("missing structure definition of %s", typeID)
	}
	c.mu.Lock()
	t.definitions[typeID] = def
	c.mu.Unlock()
	return def, nil
}

// SuperTypes returns the super types of typeID, nearest first, ending in the
// namespace 0 base. Base types have an empty chain and are never fetched.
func (c *Cache) SuperTypes(ctx context.Context, typeID value.NodeID) ([]value.NodeID, error) {
	if IsBase(typeID) {
		return nil, nil
	}
	t := c.current()
	c.mu.RLock()
	chain, ok := t.superTypes[typeID]
	c.mu.RUnlock()
	if ok {
		return chain, nil
	}

	chain, err := c.fetcher.SuperTypes(ctx, typeID)
	if err != nil {
		return nil, errs.Conversion("cannot get super types of %s: %w", typeID, err)
	}
	c.mu.Lock()
	t.superTypes[typeID] = chain
	c.mu.Unlock()
	return chain, nil
}

// BaseType resolves the namespace 0 base type of typeID.
func (c *Cache) BaseType(ctx context.Context, typeID value.NodeID) (value.NodeID, error) {
	if IsBase(typeID) {
		return typeID, nil
	}
	chain, err := c.SuperTypes(ctx, typeID)
	if err != nil {
		return value.NodeID{}, err
	}
	if len(chain) == 0 {
		return value.NodeID{}, errs.Conversion("missing base type of %s", typeID)
	}
	base := chain[len(chain)-1]
	if !IsBase(base) {
		return value.NodeID{}, errs.Conversion("missing base type of %s (walk ended at %s)", typeID, base)
	}
	return base, nil
}

// Preload resolves typeID and, for structured types, every field type
// recursively, so that later conversions find everything in memory. Namespace
// 0 structures such as Range are loaded as well; only base types are skipped.
func (c *Cache) Preload(ctx context.Context, typeID value.NodeID) error {
	return c.preload(ctx, typeID, 0, make(map[value.NodeID]bool))
}

func (c *Cache) preload(ctx context.Context, typeID value.NodeID, depth int, visited map[value.NodeID]bool) error {
	if IsBase(typeID) || visited[typeID] {
		return nil
	}
	if depth > MaxDepth {
		return errs.Conversion("cannot preload %s: %w", typeID, errs.ErrDepthExceeded)
	}
	visited[typeID] = true

	base, err := c.BaseType(ctx, typeID)
	if err != nil {
		return err
	}
	if !IsStructured(base) {
		return nil
	}
	def, err := c.StructureDefinition(ctx, typeID)
	if err != nil {
		return err
	}
	for _, f := range def.Fields {
		if err := c.preload(ctx, f.TypeID, depth+1, visited); err != nil {
			return fmt.Errorf("field %s of %s: %w", f.Name, typeID, err)
		}
	}
	c.log.Debugf("OPC-UA: preloaded type %s", def)
	return nil
}

// Clear drops all entries. In-flight lookups finish against the tables they
// started with.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.t = newTables()
	c.mu.Unlock()
	c.log.Info("OPC-UA: type cache cleared")
}

// Len returns the number of cached definitions and super-type chains.
func (c *Cache) Len() (definitions, superTypes int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.t.definitions), len(c.t.superTypes)
}
