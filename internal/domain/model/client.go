package model

import "time"

// UploadClient — счётчик принятых загрузок для одного сетевого адреса.
// Единственный источник истины для admission control: запись создаётся при
// первой загрузке, инкрементируется при каждой следующей и удаляется
// Client GC по истечении TTL (окно лимита при этом сбрасывается).
type UploadClient struct {
	// IP — сетевой адрес клиента (первичный ключ)
	IP string

	// Uploads — количество принятых загрузок в текущем окне
	Uploads int

	CreatedAt time.Time
	UpdatedAt time.Time
}
