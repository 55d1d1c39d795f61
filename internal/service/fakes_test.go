package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/config"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/repository"
)

// testLogger — логгер для тестов, пишет только ошибки.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig — минимальная конфигурация для тестов сервисов.
func testConfig() *config.Config {
	return &config.Config{
		NetworkID:            "31",
		FileSizeLimit:        10 * 1024 * 1024,
		UploadLimitPerPeriod: 3,
		JobsGCInterval:       time.Minute,
		JobsTTL:              time.Hour,
		ClientsGCInterval:    time.Minute,
		ClientsTTL:           time.Hour,
	}
}

// memJobRepo — in-memory реализация UploadJobRepository.
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.UploadJob
	createErr error
	markErr   error
	deleteLog []string
}

func newMemJobRepo(jobs ...*model.UploadJob) *memJobRepo {
	r := &memJobRepo{jobs: make(map[string]*model.UploadJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *memJobRepo) Create(_ context.Context, j *model.UploadJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	j.CreatedAt = time.Now().UTC()
	r.jobs[j.ID] = j
	return nil
}

func (r *memJobRepo) MarkStored(_ context.Context, id, fileHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	j, ok := r.jobs[id]
	if !ok || j.Status != model.StatusUploading {
		return repository.ErrNotFound
	}
	j.FileHash = fileHash
	j.Status = model.StatusWaitingForPinning
	return nil
}

func (r *memJobRepo) Delete(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLog = append(r.deleteLog, id)
	if _, ok := r.jobs[id]; !ok {
		return 0, nil
	}
	delete(r.jobs, id)
	return 1, nil
}

func (r *memJobRepo) FindByHashAndTopic(_ context.Context, fileHash, offerID, contract string) (*model.UploadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.FileHash == fileHash && j.OfferID == offerID && j.Contract == contract {
			return j, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memJobRepo) FindExpired(_ context.Context, olderThan time.Time) ([]*model.UploadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.UploadJob
	for _, j := range r.jobs {
		if !j.CreatedAt.After(olderThan) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) CountByFileHash(_ context.Context, fileHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.FileHash == fileHash {
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) CountByTopic(_ context.Context, offerID, contract string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.OfferID == offerID && j.Contract == contract {
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) ConfirmPinned(ctx context.Context, j *model.UploadJob) (int64, int64, error) {
	if _, err := r.Delete(ctx, j.ID); err != nil {
		return 0, 0, err
	}
	forHash, _ := r.CountByFileHash(ctx, j.FileHash)
	forTopic, _ := r.CountByTopic(ctx, j.OfferID, j.Contract)
	return forHash, forTopic, nil
}

func (r *memJobRepo) all(t *testing.T) []*model.UploadJob {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.UploadJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

func (r *memJobRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// memClientRepo — in-memory реализация UploadClientRepository.
type memClientRepo struct {
	mu      sync.Mutex
	clients map[string]*model.UploadClient
}

func newMemClientRepo(clients ...*model.UploadClient) *memClientRepo {
	r := &memClientRepo{clients: make(map[string]*model.UploadClient)}
	for _, c := range clients {
		r.clients[c.IP] = c
	}
	return r
}

func (r *memClientRepo) Get(_ context.Context, ip string) (*model.UploadClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[ip]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (r *memClientRepo) Increment(_ context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[ip]
	if !ok {
		r.clients[ip] = &model.UploadClient{IP: ip, Uploads: 1, CreatedAt: time.Now().UTC()}
		return nil
	}
	c.Uploads++
	return nil
}

func (r *memClientRepo) DeleteExpired(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for ip, c := range r.clients {
		if !c.CreatedAt.After(olderThan) {
			delete(r.clients, ip)
			n++
		}
	}
	return n, nil
}

// age сдвигает момент создания счётчика в прошлое на d.
func (r *memClientRepo) age(ip string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[ip]; ok {
		c.CreatedAt = c.CreatedAt.Add(-d)
	}
}

// fakeStorage — фиктивный шлюз хранения.
type fakeStorage struct {
	mu      sync.Mutex
	cid     string
	addErr  error
	rmErr   error
	added   []string
	removed []string
	sizes   map[string]int64
}

func newFakeStorage(cid string) *fakeStorage {
	return &fakeStorage{cid: cid, sizes: make(map[string]int64)}
}

func (s *fakeStorage) Add(_ context.Context, name string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	s.added = append(s.added, name)
	return s.cid, nil
}

func (s *fakeStorage) Rm(_ context.Context, fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rmErr != nil {
		return s.rmErr
	}
	s.removed = append(s.removed, fileHash)
	return nil
}

func (s *fakeStorage) Size(_ context.Context, fileHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.sizes[fileHash]
	if !ok {
		return 0, errors.New("контент не найден")
	}
	return size, nil
}

func (s *fakeStorage) removedHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}
