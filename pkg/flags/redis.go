package flags

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	fieldCancelFor = "cancel_for"
	fieldAnswerFor = "answer_for"
	fieldCallID    = "call_id"
	fieldSetAt     = "set_at"
)

// RedisConfig настройки хранилища в Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// UserID владелец флагов; ключ redis строится из него
	UserID string
	// TTL время жизни флагов. Устаревшее намерение хуже отсутствующего.
	TTL time.Duration
}

var _ Store = (*Redis)(nil)

// Redis хранит флаги в hash-ключе callflags:<user>
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis подключается к Redis и проверяет соединение
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	return NewRedisWithClient(client, cfg.UserID, cfg.TTL), nil
}

// NewRedisWithClient использует готовый клиент
func NewRedisWithClient(client *redis.Client, userID string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{
		client: client,
		key:    fmt.Sprintf("callflags:%s", userID),
		ttl:    ttl,
	}
}

// Close закрывает соединение
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) GetPending(ctx context.Context) (Pending, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Pending{}, nil
		}
		return Pending{}, errors.Wrap(err, "failed to read call flags")
	}

	p := Pending{
		CancelFor: vals[fieldCancelFor],
		AnswerFor: vals[fieldAnswerFor],
		CallID:    vals[fieldCallID],
	}
	if raw := vals[fieldSetAt]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.SetAt = time.UnixMilli(ms)
		}
	}
	return p, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return errors.Wrap(r.client.Del(ctx, r.key).Err(), "failed to clear call flags")
}

func (r *Redis) SetCancel(ctx context.Context, peerID, callID string) error {
	return r.set(ctx, fieldCancelFor, peerID, callID)
}

func (r *Redis) SetAnswer(ctx context.Context, peerID, callID string) error {
	return r.set(ctx, fieldAnswerFor, peerID, callID)
}

func (r *Redis) set(ctx context.Context, field, peerID, callID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key,
			field, peerID,
			fieldCallID, callID,
			fieldSetAt, strconv.FormatInt(time.Now().UnixMilli(), 10),
		)
		pipe.Expire(ctx, r.key, r.ttl)
		return nil
	})
	return errors.Wrapf(err, "failed to set %s flag", field)
}
