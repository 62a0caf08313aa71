package fields

import "context"

// SchemaSource fetches a project's custom-field definitions.
type SchemaSource interface {
	Schema(ctx context.Context, projectGID string) (Schema, error)
}

// Cache memoizes schema fetches for the lifetime of one run. It is
// created per run and passed down the call chain; it is not safe for
// concurrent use and is not meant to outlive the run.
type Cache struct {
	source  SchemaSource
	schemas map[string]Schema
}

func NewCache(source SchemaSource) *Cache {
	return &Cache{source: source, schemas: make(map[string]Schema)}
}

func (c *Cache) Schema(ctx context.Context, projectGID string) (Schema, error) {
	if s, ok := c.schemas[projectGID]; ok {
		return s, nil
	}
	s, err := c.source.Schema(ctx, projectGID)
	if err != nil {
		return Schema{}, err
	}
	c.schemas[projectGID] = s
	return s, nil
}
