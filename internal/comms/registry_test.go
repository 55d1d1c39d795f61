package comms

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// testLogger — логгер для тестов, пишет только ошибки.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventually ждёт выполнения условия с таймаутом.
// Доставка сообщений комнаты асинхронная, синхронизируемся опросом.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("условие не выполнено за отведённое время: %s", msg)
}

// pinnedMessage собирает конверт подтверждения pinning от пира.
func pinnedMessage(t *testing.T, from, hash string) Envelope {
	t.Helper()
	payload, err := json.Marshal(model.HashInfoPayload{Hash: hash})
	if err != nil {
		t.Fatalf("Ошибка маршалинга payload: %v", err)
	}
	return Envelope{
		From: from,
		Message: model.CommsMessage{
			Code:      model.CodeHashPinned,
			Version:   model.CommsVersion,
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		},
	}
}

func TestTopic_Canonical(t *testing.T) {
	got := Topic("31", "0xABCdef", "0xOfferID")
	want := "31:0xabcdef:0xofferid"
	if got != want {
		t.Errorf("Topic: хотели %q, получили %q", want, got)
	}
}

func TestParseTopic_Roundtrip(t *testing.T) {
	topic := Topic("31", "0xContract", "0xOffer")
	contract, offerID, err := ParseTopic(topic)
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	if contract != "0xcontract" {
		t.Errorf("contract: хотели %q, получили %q", "0xcontract", contract)
	}
	if offerID != "0xoffer" {
		t.Errorf("offerID: хотели %q, получили %q", "0xoffer", offerID)
	}
}

func TestParseTopic_Invalid(t *testing.T) {
	if _, _, err := ParseTopic("нет-разделителей"); err == nil {
		t.Error("хотели ошибку для ключа без разделителей, получили nil")
	}
}

func TestRegistry_GetOrCreateIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	ctx := context.Background()
	room1, err := reg.GetOrCreate(ctx, "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	room2, err := reg.GetOrCreate(ctx, "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate повторно: %v", err)
	}

	if room1 != room2 {
		t.Error("повторный GetOrCreate вернул другую комнату")
	}
	if reg.Len() != 1 {
		t.Errorf("Len: хотели 1, получили %d", reg.Len())
	}
}

func TestRegistry_LeaveIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())

	if _, err := reg.GetOrCreate(context.Background(), "31:0xc:0xo"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	reg.Leave("31:0xc:0xo")
	if reg.Len() != 0 {
		t.Errorf("Len после Leave: хотели 0, получили %d", reg.Len())
	}

	// Повторный выход и выход из незнакомого топика — no-op
	reg.Leave("31:0xc:0xo")
	reg.Leave("31:0xдругой:0xтопик")
}

func TestRoom_DeliversRemoteMessages(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	room, err := reg.GetOrCreate(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	var received atomic.Int32
	room.AddListener(func(_ context.Context, env Envelope) Result {
		received.Add(1)
		return Result{}
	}, 0)

	// Удалённый пир публикует в тот же топик
	peer := hub.NewTransport("peer-1")
	sub, err := peer.Subscribe(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("Subscribe пира: %v", err)
	}
	defer sub.Close()

	if err := sub.Publish(context.Background(), pinnedMessage(t, "peer-1", "Qm123")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, func() bool { return received.Load() == 1 }, "сообщение пира доставлено слушателю")
}

func TestRoom_SuppressesSelfEcho(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	room, err := reg.GetOrCreate(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	var received atomic.Int32
	room.AddListener(func(_ context.Context, env Envelope) Result {
		received.Add(1)
		return Result{}
	}, 0)

	// Собственная публикация возвращается шиной, но комната её отбрасывает
	if err := room.Broadcast(context.Background(), model.CommsMessage{
		Code:      model.CodeHashStart,
		Version:   model.CommsVersion,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := received.Load(); got != 0 {
		t.Errorf("эхо не подавлено: слушатель получил %d сообщений", got)
	}
}

func TestRoom_DetachesListenerOnDone(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	room, err := reg.GetOrCreate(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	room.AddListener(func(_ context.Context, env Envelope) Result {
		return Result{Done: true}
	}, 0)
	if room.Listeners() != 1 {
		t.Fatalf("Listeners: хотели 1, получили %d", room.Listeners())
	}

	peer := hub.NewTransport("peer-1")
	sub, err := peer.Subscribe(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("Subscribe пира: %v", err)
	}
	defer sub.Close()

	if err := sub.Publish(context.Background(), pinnedMessage(t, "peer-1", "Qm123")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, func() bool { return room.Listeners() == 0 }, "слушатель отцеплен после Done")
}

func TestRoom_ListenerTTLAutoDetach(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	room, err := reg.GetOrCreate(context.Background(), "31:0xc:0xo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	room.AddListener(func(_ context.Context, env Envelope) Result {
		return Result{}
	}, 20*time.Millisecond)

	eventually(t, func() bool { return room.Listeners() == 0 }, "слушатель отцеплен по TTL")
}

func TestRegistry_TopicsSnapshot(t *testing.T) {
	hub := NewMemoryHub()
	reg := NewRegistry(hub.NewTransport("local"), testLogger())
	defer reg.Close()

	ctx := context.Background()
	for _, topic := range []string{"31:0xa:0x1", "31:0xb:0x2"} {
		if _, err := reg.GetOrCreate(ctx, topic); err != nil {
			t.Fatalf("GetOrCreate %s: %v", topic, err)
		}
	}

	topics := reg.Topics()
	if len(topics) != 2 {
		t.Errorf("Topics: хотели 2 топика, получили %d", len(topics))
	}
}
