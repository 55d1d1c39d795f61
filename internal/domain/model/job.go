// Пакет model — доменные модели Upload Service.
// UploadJob — задание на загрузку, ожидающее подтверждения pinning
// от удалённого узла. UploadClient — счётчик загрузок клиента.
package model

import (
	"strings"
	"time"
)

// HashPrefix — префикс схемы content-хэша в поле FileHash.
const HashPrefix = "/ipfs/"

// JobStatus — статус задания на загрузку.
type JobStatus string

const (
	// StatusUploading — контент ещё пишется в хранилище
	StatusUploading JobStatus = "UPLOADING"
	// StatusWaitingForPinning — контент сохранён, ожидаем подтверждения pinning
	StatusWaitingForPinning JobStatus = "WAITING_FOR_PINNING"
)

// UploadJob — задание на загрузку. Одна запись на одну попытку загрузки.
// Запись удаляется целиком при подтверждении pinning или по истечении TTL —
// терминального статуса "PINNED" не существует.
type UploadJob struct {
	// ID — уникальный идентификатор задания (UUID v4)
	ID string

	// OfferID — идентификатор оффера (дискриминатор pub/sub топика).
	// Хранится в нижнем регистре.
	OfferID string

	// Contract — адрес контракта (квалификатор пространства имён топика).
	// Хранится в нижнем регистре.
	Contract string

	// Account — аккаунт инициатора загрузки
	Account string

	// PeerID — идентификатор удалённого узла, от которого ожидается
	// подтверждение pinning. Сообщения от других отправителей игнорируются.
	PeerID string

	// FileHash — content-хэш с префиксом схемы ("/ipfs/<cid>").
	// Пустая строка, пока контент не записан в хранилище.
	FileHash string

	// Meta — произвольные метаданные (например, оригинальные имена файлов)
	Meta map[string]any

	// Status — текущий статус задания
	Status JobStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrefixHash добавляет префикс схемы к голому CID.
func PrefixHash(cid string) string {
	if strings.HasPrefix(cid, HashPrefix) {
		return cid
	}
	return HashPrefix + cid
}

// StripHashPrefix убирает префикс схемы из content-хэша.
func StripHashPrefix(hash string) string {
	return strings.TrimPrefix(hash, HashPrefix)
}
