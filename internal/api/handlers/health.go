// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"time"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// ReadinessChecker — проверка готовности одной зависимости.
// Возвращает статус ("ok", "fail") и сообщение.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// namedChecker — зависимость с именем для секции checks ответа.
type namedChecker struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version  string
	checkers []namedChecker
}

// NewHealthHandler создаёт обработчик health endpoints без проверок зависимостей.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		version: config.Version,
	}
}

// AddChecker регистрирует проверку готовности зависимости.
// Вызывается при сборке приложения для PostgreSQL, IPFS и Redis.
func (h *HealthHandler) AddChecker(name string, checker ReadinessChecker) {
	h.checkers = append(h.checkers, namedChecker{name: name, checker: checker})
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет все зарегистрированные зависимости; любая "fail" — 503.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := make(map[string]any, len(h.checkers))
	for _, c := range h.checkers {
		status, message := c.checker.CheckReady()
		check := map[string]any{"status": status}
		if message != "" {
			check["message"] = message
		}
		checks[c.name] = check

		if status != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
		"checks":    checks,
	})
}
