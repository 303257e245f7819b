package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

const analysisKeyPrefix = "analysis:"

func analysisKey(hash string) string {
	return analysisKeyPrefix + hash
}

// AnalysisCache keeps finished analyses in Redis for ttl.
type AnalysisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnalysisCache(client *redis.Client, ttl time.Duration) *AnalysisCache {
	return &AnalysisCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *AnalysisCache) Get(ctx context.Context, hash string) (*analysis.GameAnalysisResult, error) {
	data, err := c.client.Get(ctx, analysisKey(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.ErrAnalysisNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", hash, err)
	}

	var result analysis.GameAnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode cached analysis %s: %w", hash, err)
	}
	return &result, nil
}

func (c *AnalysisCache) Set(ctx context.Context, result *analysis.GameAnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	return c.client.Set(ctx, analysisKey(result.GameHash), data, c.ttl).Err()
}
