package cache

import (
	"strings"
	"time"

	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
)

const defaultDefinitionTTL = 5 * time.Minute

// CostResolverCache stores resolved action cost definitions for the action
// authorization hot path. Entries are keyed by the caller-supplied key, so
// alias lookups are cached alongside canonical ones.
type CostResolverCache interface {
	GetDefinition(key string) (*registrydomain.ActionCostDefinition, bool)
	SetDefinition(key string, def *registrydomain.ActionCostDefinition)
	Invalidate(key string)
}

type costResolverCache struct {
	definitions Cache[string, *registrydomain.ActionCostDefinition]
	ttl         time.Duration
}

// NewCostResolverCache returns an in-memory cache tuned for action resolution.
func NewCostResolverCache() CostResolverCache {
	return &costResolverCache{
		definitions: NewTTLCache[string, *registrydomain.ActionCostDefinition](),
		ttl:         defaultDefinitionTTL,
	}
}

func (c *costResolverCache) GetDefinition(key string) (*registrydomain.ActionCostDefinition, bool) {
	return c.definitions.Get(normalizeKey(key))
}

func (c *costResolverCache) SetDefinition(key string, def *registrydomain.ActionCostDefinition) {
	if def == nil {
		return
	}
	c.definitions.Set(normalizeKey(key), def, c.ttl)
}

func (c *costResolverCache) Invalidate(key string) {
	c.definitions.Delete(normalizeKey(key))
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
