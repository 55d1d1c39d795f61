// redis.go — pub/sub транспорт поверх Redis Pub/Sub.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTransport — Transport поверх Redis Pub/Sub.
type RedisTransport struct {
	rdb    *redis.Client
	id     string
	logger *slog.Logger
}

// NewRedisTransport создаёт транспорт. Идентификатор подписчика
// генерируется на время жизни процесса: у каждого экземпляра сервиса
// своя pub/sub идентичность.
func NewRedisTransport(addr, password string, logger *slog.Logger) *RedisTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	return &RedisTransport{
		rdb:    rdb,
		id:     uuid.New().String(),
		logger: logger.With(slog.String("component", "comms_redis")),
	}
}

// ID возвращает идентификатор локального подписчика.
func (t *RedisTransport) ID() string {
	return t.id
}

// Subscribe подписывается на топик Redis Pub/Sub.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, topic)

	// Receive подтверждает подписку до возврата управления:
	// без этого возможна потеря сообщений, отправленных сразу после Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("подписка на топик %s: %w", topic, err)
	}

	sub := &redisSubscription{
		topic:  topic,
		rdb:    t.rdb,
		pubsub: pubsub,
		out:    make(chan Envelope, 16),
		logger: t.logger,
	}
	go sub.run()

	return sub, nil
}

// CheckReady — проверка доступности Redis для health endpoint.
func (t *RedisTransport) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}

// Close закрывает подключение к Redis.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

// redisSubscription — подписка на один топик Redis.
type redisSubscription struct {
	topic  string
	rdb    *redis.Client
	pubsub *redis.PubSub
	out    chan Envelope
	logger *slog.Logger
}

// run читает сообщения Redis, декодирует конверты и передаёт их дальше.
// Некорректный JSON логируется и пропускается — ошибка транспорта
// не фатальна для подписки.
func (s *redisSubscription) run() {
	defer close(s.out)

	for msg := range s.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.logger.Warn("Некорректный конверт pub/sub, пропускаем",
				slog.String("topic", s.topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.out <- env
	}
}

func (s *redisSubscription) Messages() <-chan Envelope {
	return s.out
}

func (s *redisSubscription) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("сериализация конверта: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.topic, data).Err(); err != nil {
		return fmt.Errorf("публикация в топик %s: %w", s.topic, err)
	}
	return nil
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
