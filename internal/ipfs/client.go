// Пакет ipfs — HTTP-клиент к API IPFS-узла (/api/v0).
// Абстрагирует content-addressable хранилище: добавление контента,
// unpin, проверка pin, размер контента.
package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// ErrNotPinned — контент не закреплён (или закреплён косвенно).
// Ожидаемый исход гонки при спекулятивном unpin: вызывающий код
// проверяет ошибку через errors.Is и проглатывает её.
var ErrNotPinned = errors.New("контент не закреплён")

// notPinnedMsg — фрагмент сообщения IPFS API об отсутствующем pin.
// Единственное место, где ошибка распознаётся по тексту: дальше по
// коду она существует только как типизированная ErrNotPinned.
const notPinnedMsg = "not pinned or pinned indirectly"

// Client — HTTP-клиент IPFS-узла.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент IPFS API.
// baseURL — адрес API узла (например, http://127.0.0.1:5001).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		logger: logger.With(slog.String("component", "ipfs_client")),
	}
}

// apiError — тело ошибки IPFS API.
type apiError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
}

// Add загружает контент в IPFS и возвращает CID.
// Формат запроса: POST /api/v0/add?pin=true (multipart поле file).
func (c *Client) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/add?pin=true", pr)
	if err != nil {
		return "", fmt.Errorf("создание запроса add: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос add к IPFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.decodeError("add", resp)
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("разбор ответа add: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("IPFS add вернул пустой хэш")
	}

	c.logger.Debug("Контент добавлен в IPFS", slog.String("cid", out.Hash))
	return out.Hash, nil
}

// Rm снимает pin с контента.
// Ответ "not pinned or pinned indirectly" транслируется в ErrNotPinned.
func (c *Client) Rm(ctx context.Context, hash string) error {
	cid := model.StripHashPrefix(hash)

	resp, err := c.post(ctx, "/api/v0/pin/rm", url.Values{"arg": {cid}})
	if err != nil {
		return fmt.Errorf("запрос pin/rm к IPFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := c.decodeError("pin/rm", resp)
		if strings.Contains(apiErr.Error(), notPinnedMsg) {
			return fmt.Errorf("%w: %s", ErrNotPinned, cid)
		}
		return apiErr
	}

	c.logger.Debug("Pin снят", slog.String("cid", cid))
	return nil
}

// IsPinned проверяет, закреплён ли контент на узле.
func (c *Client) IsPinned(ctx context.Context, hash string) (bool, error) {
	cid := model.StripHashPrefix(hash)

	resp, err := c.post(ctx, "/api/v0/pin/ls", url.Values{"arg": {cid}})
	if err != nil {
		return false, fmt.Errorf("запрос pin/ls к IPFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := c.decodeError("pin/ls", resp)
		if strings.Contains(apiErr.Error(), "is not pinned") {
			return false, nil
		}
		return false, apiErr
	}

	var out struct {
		Keys map[string]any `json:"Keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("разбор ответа pin/ls: %w", err)
	}
	return len(out.Keys) > 0, nil
}

// Size возвращает кумулятивный размер контента в байтах.
// Формат запроса: POST /api/v0/object/stat?arg=<cid>.
func (c *Client) Size(ctx context.Context, hash string) (int64, error) {
	cid := model.StripHashPrefix(hash)

	resp, err := c.post(ctx, "/api/v0/object/stat", url.Values{"arg": {cid}})
	if err != nil {
		return 0, fmt.Errorf("запрос object/stat к IPFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.decodeError("object/stat", resp)
	}

	var out struct {
		CumulativeSize int64 `json:"CumulativeSize"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("разбор ответа object/stat: %w", err)
	}
	return out.CumulativeSize, nil
}

// Version возвращает версию IPFS-узла. Используется health check'ом.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/api/v0/version", nil)
	if err != nil {
		return "", fmt.Errorf("запрос version к IPFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.decodeError("version", resp)
	}

	var out struct {
		Version string `json:"Version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("разбор ответа version: %w", err)
	}
	return out.Version, nil
}

// CheckReady — проверка доступности IPFS-узла для health endpoint.
func (c *Client) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	version, err := c.Version(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("IPFS недоступен: %v", err)
	}
	return "ok", fmt.Sprintf("IPFS %s", version)
}

// post выполняет POST-запрос к IPFS API с query-параметрами.
func (c *Client) post(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", path, err)
	}
	return c.httpClient.Do(req)
}

// decodeError читает тело ошибки IPFS API и формирует ошибку Go.
func (c *Client) decodeError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("IPFS %s: %s (HTTP %d)", op, apiErr.Message, resp.StatusCode)
	}
	return fmt.Errorf("IPFS %s: HTTP %d", op, resp.StatusCode)
}
