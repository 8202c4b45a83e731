package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func GetProject(ctx context.Context, rdb *redis.Client, id int) ([]byte, error) {
	key := fmt.Sprintf("project:%d", id)
	return rdb.Get(ctx, key).Bytes()
}

func SetProject(ctx context.Context, rdb *redis.Client, id int, project interface{}, ttl time.Duration) error {
	key := fmt.Sprintf("project:%d", id)
	data, err := json.Marshal(project)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, data, ttl).Err()
}

// DeleteProject invalidates the cached project after a capacity mutation so
// read paths never serve stale remaining-capacity numbers for long.
func DeleteProject(ctx context.Context, rdb *redis.Client, id int) error {
	key := fmt.Sprintf("project:%d", id)
	return rdb.Del(ctx, key).Err()
}

// Minimum payable amounts are fetched from the crypto provider per currency;
// cache them briefly so checkout validation does not hit the provider on
// every request.
func GetMinimumAmount(ctx context.Context, rdb *redis.Client, provider, currency string) (float64, error) {
	key := fmt.Sprintf("minamount:%s:%s", provider, currency)
	val, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

func SetMinimumAmount(ctx context.Context, rdb *redis.Client, provider, currency string, amount float64, ttl time.Duration) error {
	key := fmt.Sprintf("minamount:%s:%s", provider, currency)
	return rdb.Set(ctx, key, strconv.FormatFloat(amount, 'f', -1, 64), ttl).Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
