package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/redis/go-redis/v9"
)

type RedisRepo struct {
	client *redis.Client
}

func New(ctx context.Context, addr, pass string, db int) (*RedisRepo, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     pass,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &RedisRepo{
		client: client,
	}, nil
}

// * SaveHandshake сохраняет transient-состояние OAuth-рукопожатия под ключом state.
func (r *RedisRepo) SaveHandshake(ctx context.Context, state string, hs models.OAuthHandshake, ttl time.Duration) error {
	const op = "storage.redis.SaveHandshake"

	key := fmt.Sprintf("oauth:handshake:%s", state)

	data, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// * ConsumeHandshake атомарно читает и удаляет состояние (GETDEL).
// Состояние одноразовое: второй вызов с тем же state не найдет ключ.
func (r *RedisRepo) ConsumeHandshake(ctx context.Context, state string) (models.OAuthHandshake, error) {
	const op = "storage.redis.ConsumeHandshake"

	key := fmt.Sprintf("oauth:handshake:%s", state)

	data, err := r.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.OAuthHandshake{}, storage.ErrHandshakeNotFound
		}

		return models.OAuthHandshake{}, fmt.Errorf("%s: %w", op, err)
	}

	var hs models.OAuthHandshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return models.OAuthHandshake{}, fmt.Errorf("%s: %w", op, err)
	}

	return hs, nil
}

// * Close закрывает соединение с базой данных.
func (r *RedisRepo) Close() {
	r.client.Close()
}
