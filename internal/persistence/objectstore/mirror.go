package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Uploader is the part of Bucket the mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type MirrorStats struct {
	QueueDepth    int
	QueueCapacity int

	EnqueuedTotal   uint64
	DroppedTotal    uint64
	UploadedTotal   uint64
	FailedTotal     uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

type MirrorOption func(*Mirror)

func WithMirrorLogger(l logrus.FieldLogger) MirrorOption {
	return func(m *Mirror) { m.log = l }
}

// WithMirrorQueue sets worker count, queue capacity and how long Enqueue may
// block on a full queue before dropping the file.
func WithMirrorQueue(workers, capacity int, wait time.Duration) MirrorOption {
	return func(m *Mirror) {
		if workers > 0 {
			m.workers = workers
		}
		if capacity > 0 {
			m.capacity = capacity
		}
		if wait > 0 {
			m.enqueueWait = wait
		}
	}
}

// WithMirrorRetry sets the attempt count and base backoff for one upload.
func WithMirrorRetry(attempts int, backoff time.Duration) MirrorOption {
	return func(m *Mirror) {
		if attempts > 0 {
			m.attempts = attempts
		}
		if backoff >= 0 {
			m.backoff = backoff
		}
	}
}

// Mirror copies files under a local root into a bucket in the background.
// Object keys are the file's path relative to the root, under an optional
// prefix.
type Mirror struct {
	up     Uploader
	root   string
	prefix string
	log    logrus.FieldLogger

	workers     int
	capacity    int
	enqueueWait time.Duration
	attempts    int
	backoff     time.Duration

	jobs      chan string
	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func NewMirror(up Uploader, root, prefix string, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		up:          up,
		root:        root,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         logrus.StandardLogger(),
		workers:     2,
		capacity:    256,
		enqueueWait: 25 * time.Millisecond,
		attempts:    4,
		backoff:     200 * time.Millisecond,
	}
	for _, o := range opts {
		o(m)
	}
	m.jobs = make(chan string, m.capacity)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks longer than the
// configured wait; a file that does not fit is dropped and counted.
func (m *Mirror) Enqueue(localPath string) {
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}

	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		n := m.dropped.Add(1)
		m.log.WithFields(logrus.Fields{"path": localPath, "dropped_total": n}).Warn("mirror queue full, dropping upload")
	}
}

// Close stops accepting files and waits for queued uploads, or for ctx.
func (m *Mirror) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.jobs) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror close: %w", ctx.Err())
	}
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		QueueDepth:      len(m.jobs),
		QueueCapacity:   cap(m.jobs),
		EnqueuedTotal:   m.enqueued.Load(),
		DroppedTotal:    m.dropped.Load(),
		UploadedTotal:   m.uploaded.Load(),
		FailedTotal:     m.failed.Load(),
		LastSuccessUnix: m.lastSuccess.Load(),
		LastErrorUnix:   m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	log := m.log.WithField("path", localPath)
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		log.WithError(err).Warn("mirror skip")
		return
	}
	log = log.WithField("key", key)
	if err := m.putWithRetry(key, localPath); err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		log.WithError(err).Error("mirror upload failed")
		return
	}
	m.uploaded.Add(1)
	m.lastSuccess.Store(time.Now().Unix())
	log.Debug("mirror uploaded")
}

func (m *Mirror) putWithRetry(key, localPath string) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return err
		}
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		if attempt < m.attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	return err
}

// ObjectKey maps a file under the mirror root to its key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", ErrEmptyKey
	}
	absRoot, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", absLocal, absRoot)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}
