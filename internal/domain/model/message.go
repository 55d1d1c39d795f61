package model

import "encoding/json"

// Коды координационных сообщений pub/sub протокола.
const (
	// CodeHashPinned — удалённый узел подтвердил pinning контента
	CodeHashPinned = "I_HASH_STOP"
	// CodeHashStart — удалённый узел начал скачивание контента
	CodeHashStart = "I_HASH_START"
	// CodeHashRetry — удалённый узел повторяет попытку pinning
	CodeHashRetry = "W_HASH_RETRY"
	// CodeAgreementSizeExceeded — контент превышает лимит соглашения
	CodeAgreementSizeExceeded = "E_AGR_SIZE_OVERFLOW"
	// CodeGeneralError — неклассифицированная ошибка удалённого узла
	CodeGeneralError = "E_GEN"
)

// CommsVersion — версия протокола координационных сообщений.
const CommsVersion = 1

// CommsMessage — координационное сообщение pub/sub протокола.
// Все поля обязательны. Payload интерпретируется по значению Code;
// сообщения с нераспознанным кодом игнорируются, это не ошибка.
type CommsMessage struct {
	Code      string          `json:"code"`
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"` // epoch-ms
	Payload   json.RawMessage `json:"payload"`
}

// HashInfoPayload — payload сообщений I_HASH_STOP / I_HASH_START.
type HashInfoPayload struct {
	// Hash — голый CID, без префикса схемы
	Hash string `json:"hash"`
}
