/**
 * Recognition Cache
 *
 * Stores OCR results keyed by a fingerprint of the preprocessed page,
 * so re-uploading the same page skips Tesseract.
 * Backed by Redis when configured; a no-op otherwise.
 */

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
)

// RecognitionCache looks up and stores recognition results
type RecognitionCache interface {
	Get(ctx context.Context, key string) (*ocr.Result, bool, error)
	Put(ctx context.Context, key string, result *ocr.Result) error
	Close() error
}

// Fingerprint derives a cache key from the OCR language, the page
// dimensions, a 256-bit perceptual hash and a SHA-256 digest of the pixels.
// The perceptual hash only groups keys; the digest makes a hit require an
// exact pixel match, so pages sharing art but not lettering never collide.
func Fingerprint(img image.Image, language string) (string, error) {
	hash, err := goimagehash.ExtPerceptionHash(img, 16, 16)
	if err != nil {
		return "", fmt.Errorf("failed to hash page: %w", err)
	}
	b := img.Bounds()
	return fmt.Sprintf("%s:%dx%d:%s:%s", language, b.Dx(), b.Dy(), hash.ToString(), pixelDigest(img)), nil
}

// pixelDigest hashes the page as tightly packed NRGBA rows
func pixelDigest(img image.Image) string {
	n, ok := img.(*image.NRGBA)
	if !ok || n.Rect.Min != (image.Point{}) || n.Stride != 4*n.Rect.Dx() {
		n = imaging.Clone(img)
	}
	sum := sha256.Sum256(n.Pix)
	return hex.EncodeToString(sum[:])
}

// NoopCache never hits
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*ocr.Result, bool, error) { return nil, false, nil }
func (NoopCache) Put(context.Context, string, *ocr.Result) error { return nil }
func (NoopCache) Close() error { return nil }

// RedisCache stores JSON-encoded results with a TTL
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisCacheConfig holds cache configuration
type RedisCacheConfig struct {
	RedisURL string
	Prefix   string
	TTL      time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg *RedisCacheConfig) (*RedisCache, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "typesetter:ocr"
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Get returns the cached result for key, if any
func (c *RedisCache) Get(ctx context.Context, key string) (*ocr.Result, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewCacheFailedError("get", key, err)
	}

	var result ocr.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, apperrors.NewCacheFailedError("decode", key, err)
	}
	return &result, true, nil
}

// Put stores result under key
func (c *RedisCache) Put(ctx context.Context, key string, result *ocr.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return apperrors.NewCacheFailedError("encode", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return apperrors.NewCacheFailedError("set", key, err)
	}
	return nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
