// Package catalog exposes the read-mostly product catalog with a best-effort
// redis cache in front of the repository.
package catalog

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkirwa/botstore-system/internal/model"
)

const (
	cacheTTL     = time.Minute
	listCacheKey = "catalog:active"
)

// Repository is the data-layer contract the catalog reads through.
type Repository interface {
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	GetProductBySlug(ctx context.Context, slug string) (*model.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
}

// Catalog serves product reads. When a redis client is provided, list and
// point reads are cached for a minute; cache failures fall through to the
// repository and are never surfaced.
type Catalog struct {
	repo Repository
	rdb  *redis.Client
}

// New creates a catalog. rdb may be nil to disable caching.
func New(repo Repository, rdb *redis.Client) *Catalog {
	return &Catalog{repo: repo, rdb: rdb}
}

// ListActive returns the active catalog entries buyers can purchase.
func (c *Catalog) ListActive(ctx context.Context) ([]model.Product, error) {
	if c.rdb != nil {
		if data, err := c.rdb.Get(ctx, listCacheKey).Bytes(); err == nil {
			var products []model.Product
			if json.Unmarshal(data, &products) == nil {
				return products, nil
			}
		}
	}

	products, err := c.repo.ListProducts(ctx, true)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		if data, err := json.Marshal(products); err == nil {
			c.rdb.Set(ctx, listCacheKey, data, cacheTTL)
		}
	}

	return products, nil
}

// GetByID returns one catalog entry by id.
func (c *Catalog) GetByID(ctx context.Context, id int64) (*model.Product, error) {
	return c.getCached(ctx, productCacheKey(id), func(ctx context.Context) (*model.Product, error) {
		return c.repo.GetProductByID(ctx, id)
	})
}

// GetBySlug returns one catalog entry by its URL slug.
func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*model.Product, error) {
	return c.getCached(ctx, "catalog:slug:"+slug, func(ctx context.Context) (*model.Product, error) {
		return c.repo.GetProductBySlug(ctx, slug)
	})
}

func (c *Catalog) getCached(ctx context.Context, key string, load func(context.Context) (*model.Product, error)) (*model.Product, error) {
	// Redis being down or a cache miss both fall through to the repository.
	if c.rdb != nil {
		if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
			var p model.Product
			if json.Unmarshal(data, &p) == nil {
				return &p, nil
			}
		}
	}

	p, err := load(ctx)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		if data, err := json.Marshal(p); err == nil {
			c.rdb.Set(ctx, key, data, cacheTTL)
		}
	}

	return p, nil
}

// Invalidate drops the cached entries for a product after an admin edit.
func (c *Catalog) Invalidate(ctx context.Context, id int64, slug string) {
	if c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, listCacheKey, productCacheKey(id), "catalog:slug:"+slug)
}

func productCacheKey(id int64) string {
	return "catalog:product:" + strconv.FormatInt(id, 10)
}
