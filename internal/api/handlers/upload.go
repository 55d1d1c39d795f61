// upload.go — HTTP handlers операций загрузки Upload Service.
// Upload, file size по хэшу, лимит размера файла.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apierrors "github.com/rsksmart/rif-marketplace-upload-service/internal/api/errors"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/service"
)

// multipartHeadroom — запас на служебные заголовки multipart сверх лимита файла.
const multipartHeadroom = 1 << 20

// UploadHandler — обработчик endpoints загрузки.
type UploadHandler struct {
	uploadSvc *service.UploadService
	sizeLimit int64
	logger    *slog.Logger
}

// NewUploadHandler создаёт обработчик endpoints загрузки.
func NewUploadHandler(uploadSvc *service.UploadService, sizeLimit int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		uploadSvc: uploadSvc,
		sizeLimit: sizeLimit,
		logger:    logger.With(slog.String("component", "upload_handler")),
	}
}

// Upload обрабатывает POST /api/v1/upload.
// Multipart form: files (обязательно), account, offerId, contractAddress,
// peerId (все обязательны).
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Обрезаем тело по лимиту файла с запасом на заголовки multipart
	r.Body = http.MaxBytesReader(w, r.Body, h.sizeLimit+multipartHeadroom)

	if err := r.ParseMultipartForm(32 << 20); err != nil { // 32 MB буфер в памяти
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает лимит %d байт", h.sizeLimit))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("files")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'files' обязательно")
		return
	}
	defer file.Close()

	if header.Size > h.sizeLimit {
		apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла %d байт превышает лимит %d байт", header.Size, h.sizeLimit))
		return
	}

	result, uploadErr := h.uploadSvc.Upload(r.Context(), service.UploadParams{
		Reader:   file,
		Filename: header.Filename,
		Account:  r.FormValue("account"),
		OfferID:  r.FormValue("offerId"),
		Contract: r.FormValue("contractAddress"),
		PeerID:   r.FormValue("peerId"),
		ClientIP: clientIP(r),
	})
	if uploadErr != nil {
		apierrors.WriteError(w, uploadErr.StatusCode, uploadErr.Code, uploadErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// FileSize обрабатывает GET /api/v1/fileSize?hash=<cid>.
func (h *UploadHandler) FileSize(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		apierrors.ValidationError(w, "Параметр 'hash' обязателен")
		return
	}

	size, err := h.uploadSvc.FileSize(r.Context(), hash)
	if err != nil {
		h.logger.Error("Ошибка получения размера контента",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		apierrors.NotFound(w, "Контент не найден или недоступен")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"fileSize": size})
}

// SizeLimit обрабатывает GET /api/v1/sizeLimit.
func (h *UploadHandler) SizeLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"fileSizeLimit": h.uploadSvc.SizeLimit()})
}

// clientIP извлекает адрес клиента: первый адрес X-Forwarded-For,
// иначе RemoteAddr без порта.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON записывает JSON-ответ со статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
