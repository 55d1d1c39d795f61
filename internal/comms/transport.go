// Пакет comms — pub/sub координация с удалёнными pinning-узлами.
// Транспорт (Redis Pub/Sub либо in-memory для тестов), реестр комнат
// и обработчик координационных сообщений.
package comms

import (
	"context"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// Envelope — транспортный конверт входящего/исходящего сообщения.
// From — идентификатор узла-отправителя: по нему подавляется эхо
// собственных сообщений и проверяется ожидаемый отправитель.
type Envelope struct {
	From    string             `json:"from"`
	Message model.CommsMessage `json:"message"`
}

// Subscription — активная подписка на один топик.
type Subscription interface {
	// Messages возвращает канал входящих конвертов.
	// Канал закрывается при Close.
	Messages() <-chan Envelope
	// Publish рассылает конверт всем подписчикам топика.
	Publish(ctx context.Context, env Envelope) error
	// Close отписывается от топика и закрывает канал Messages.
	Close() error
}

// Transport — топиковый broadcast-примитив.
// Wire-формат сообщений за пределами Envelope не специфицируется.
type Transport interface {
	// ID возвращает идентификатор локального подписчика.
	ID() string
	// Subscribe подписывается на топик.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
