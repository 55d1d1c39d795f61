// registry.go — реестр комнат: отображение топик → активная подписка.
// Реестр — единственный владелец этого отображения; все потребители
// (координатор загрузок, обработчик сообщений, GC) получают его
// через внедрение зависимости.
package comms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// Topic строит каноничный ключ топика: networkID:contract:offerID.
// Контракт и оффер приводятся к нижнему регистру, чтобы вариации
// регистра одного оффера никогда не открывали две комнаты.
func Topic(networkID, contract, offerID string) string {
	return networkID + ":" + strings.ToLower(contract) + ":" + strings.ToLower(offerID)
}

// ParseTopic разбирает ключ топика обратно в (contract, offerID).
// Нужен GC для пересчёта заданий по зарегистрированным комнатам.
func ParseTopic(topic string) (contract, offerID string, err error) {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("некорректный ключ топика: %q", topic)
	}
	return parts[1], parts[2], nil
}

// Result — результат обработки сообщения слушателем.
type Result struct {
	// Done — сообщений для этого слушателя больше не ожидается;
	// комната отцепляет слушателя сама.
	Done bool
}

// Listener — обработчик входящих конвертов комнаты.
type Listener func(ctx context.Context, env Envelope) Result

// Registry — потокобезопасный реестр комнат.
type Registry struct {
	transport Transport
	logger    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry создаёт пустой реестр поверх транспорта.
func NewRegistry(transport Transport, logger *slog.Logger) *Registry {
	return &Registry{
		transport: transport,
		logger:    logger.With(slog.String("component", "rooms")),
		rooms:     make(map[string]*Room),
	}
}

// GetOrCreate возвращает комнату топика, создавая её при первом запросе.
// Конкурентные вызовы для одного топика не создают дублирующих подписок.
func (g *Registry) GetOrCreate(ctx context.Context, topic string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[topic]; ok {
		return room, nil
	}

	sub, err := g.transport.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("создание комнаты %s: %w", topic, err)
	}

	room := newRoom(topic, sub, g.transport.ID(), g.logger)
	g.rooms[topic] = room
	g.logger.Info("Комната создана", slog.String("topic", topic))

	return room, nil
}

// Leave отписывает комнату от транспорта и убирает её из реестра.
// Идемпотентна: выход из несуществующего топика — no-op.
func (g *Registry) Leave(topic string) {
	g.mu.Lock()
	room, ok := g.rooms[topic]
	if ok {
		delete(g.rooms, topic)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	room.close()
	g.logger.Info("Комната покинута", slog.String("topic", topic))
}

// Topics возвращает снимок ключей зарегистрированных комнат.
func (g *Registry) Topics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	topics := make([]string, 0, len(g.rooms))
	for topic := range g.rooms {
		topics = append(topics, topic)
	}
	return topics
}

// Len возвращает количество зарегистрированных комнат.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close покидает все комнаты. Вызывается при остановке сервиса.
func (g *Registry) Close() {
	for _, topic := range g.Topics() {
		g.Leave(topic)
	}
}

// Room — активная подписка на топик с набором слушателей.
// Комната владеет подпиской транспорта на всё время членства.
type Room struct {
	topic  string
	sub    Subscription
	selfID string
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]*listenerEntry
	nextID    int
	closed    bool
}

type listenerEntry struct {
	fn    Listener
	timer *time.Timer
}

func newRoom(topic string, sub Subscription, selfID string, logger *slog.Logger) *Room {
	room := &Room{
		topic:     topic,
		sub:       sub,
		selfID:    selfID,
		logger:    logger.With(slog.String("topic", topic)),
		listeners: make(map[int]*listenerEntry),
	}
	go room.run()
	return room
}

// AddListener регистрирует слушателя. Если ttl > 0, слушатель
// автоматически отцепляется по его истечении: это ограничивает время
// жизни слушателя, даже если подтверждение или GC так и не наступят.
// Возвращает идентификатор слушателя.
func (r *Room) AddListener(fn Listener, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	entry := &listenerEntry{fn: fn}

	if ttl > 0 {
		entry.timer = time.AfterFunc(ttl, func() {
			r.RemoveListener(id)
			r.logger.Debug("Слушатель отцеплен по TTL", slog.Int("listener", id))
		})
	}

	r.listeners[id] = entry
	return id
}

// RemoveListener отцепляет слушателя. Идемпотентен.
func (r *Room) RemoveListener(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Room) removeLocked(id int) {
	if entry, ok := r.listeners[id]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.listeners, id)
	}
}

// Listeners возвращает количество активных слушателей.
func (r *Room) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Broadcast публикует сообщение в топик от имени локального узла.
// Используется удалённой стороной протокола и тестами.
func (r *Room) Broadcast(ctx context.Context, msg model.CommsMessage) error {
	return r.sub.Publish(ctx, Envelope{From: r.selfID, Message: msg})
}

// run — цикл доставки: раздаёт входящие конверты слушателям,
// отцепляя тех, кто вернул Done. Эхо собственных сообщений подавляется.
// Слушатели вызываются с фоновым контекстом: время жизни комнаты не
// привязано к запросу, который её открыл.
func (r *Room) run() {
	ctx := context.Background()
	for env := range r.sub.Messages() {
		if env.From == r.selfID {
			continue
		}

		r.logger.Debug("Получено сообщение",
			slog.String("from", env.From),
			slog.String("code", env.Message.Code),
		)

		r.mu.Lock()
		entries := make(map[int]*listenerEntry, len(r.listeners))
		for id, entry := range r.listeners {
			entries[id] = entry
		}
		r.mu.Unlock()

		for id, entry := range entries {
			res := entry.fn(ctx, env)
			if res.Done {
				r.RemoveListener(id)
			}
		}
	}
}

// close закрывает подписку и останавливает таймеры слушателей.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id := range r.listeners {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	if err := r.sub.Close(); err != nil {
		r.logger.Warn("Ошибка закрытия подписки", slog.String("error", err.Error()))
	}
}
