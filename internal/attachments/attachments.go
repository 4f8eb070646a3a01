// Package attachments is the bounded-concurrency download service
// (component A in spec §4.10): a priority FIFO of pending attachment
// fetches, drained by a fixed number of concurrent workers onto a flat
// cache directory.
package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/store"
)

var sanitizeReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

// sanitizeFilename replaces the characters spec §4.10 calls out as unsafe
// for a flat cache directory.
func sanitizeFilename(guid string) string {
	return sanitizeReplacer.Replace(guid)
}

// Service is the attachment download queue and dispatcher (component A).
type Service struct {
	db   *store.Store
	http *httpclient.Client
	bus  *eventbus.Bus

	cacheDir string
	sem      *semaphore.Weighted

	mu         sync.Mutex
	queue      *requestQueue
	wake       chan struct{}
	activeChat string
}

// New builds a Service writing downloaded files under cacheDir, bounded
// to maxConcurrent simultaneous downloads (spec §4.10 default 2).
func New(db *store.Store, client *httpclient.Client, bus *eventbus.Bus, cacheDir string, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		db:       db,
		http:     client,
		bus:      bus,
		cacheDir: cacheDir,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		queue:    newRequestQueue(),
		wake:     make(chan struct{}, 1),
	}
}

// SetActiveChat records the UI's current foreground chat. Any already
// queued or newly enqueued download for that chat is promoted to High
// priority (spec §4.10).
func (s *Service) SetActiveChat(chatGUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = chatGUID
	for _, item := range s.queue.items {
		if item.ChatGUID == chatGUID {
			s.queue.promote(item.AttachmentGUID, PriorityHigh)
		}
	}
}

// Enqueue inserts a download request, replacing any pending request for
// the same attachment guid, and promoting it to High if it targets the
// active chat.
func (s *Service) Enqueue(req DownloadRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ChatGUID != "" && req.ChatGUID == s.activeChat {
		req.Priority = PriorityHigh
	}
	r := req
	s.queue.upsert(&r)
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of requests currently pending.
func (s *Service) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run is A's dispatcher loop: it wakes on Enqueue and hands off queued
// requests to worker goroutines as semaphore capacity frees up, until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, ok := s.nextRequest()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		wg.Add(1)
		go func(r *DownloadRequest) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.download(ctx, r)
		}(req)
	}
}

func (s *Service) nextRequest() (*DownloadRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.popNext()
}

func (s *Service) download(ctx context.Context, req *DownloadRequest) {
	att, err := s.db.GetAttachmentByGUID(ctx, req.AttachmentGUID)
	if err != nil {
		return
	}

	name := sanitizeFilename(req.AttachmentGUID)
	if att.FileExtension != nil && *att.FileExtension != "" {
		name += "." + *att.FileExtension
	}
	dest := filepath.Join(s.cacheDir, name)

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}

	path := fmt.Sprintf("/attachment/%s/download", req.AttachmentGUID)
	if req.Original {
		path = fmt.Sprintf("/attachment/%s/download?original=true", req.AttachmentGUID)
	}

	downloadErr := s.http.DownloadStream(ctx, path, f, nil)
	f.Close()
	if downloadErr != nil {
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return
	}

	s.bus.Publish(events.AttachmentDownloaded{AttachmentGUID: req.AttachmentGUID, LocalPath: dest})
}

// CacheSize returns the sum of regular-file sizes under the cache
// directory (spec §4.10).
func (s *Service) CacheSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// CleanupOlderThan removes regular files under the cache directory whose
// modification time is older than maxAge, returning the count removed.
func (s *Service) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(s.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// cacheEntry is a regular file under the cache directory, enumerated once
// and reused by EnforceQuota for both the total-size tally and the
// oldest-first eviction order.
type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (s *Service) listCacheEntries() ([]cacheEntry, error) {
	var entries []cacheEntry
	err := filepath.WalkDir(s.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		entries = append(entries, cacheEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	return entries, err
}

// EnforceQuota evicts the oldest cached files, by modification time, until
// the cache directory's total size is at or under maxBytes. A non-positive
// maxBytes disables the budget entirely, matching CleanupOlderThan's
// zero-means-disabled convention. It returns the number of files removed.
func (s *Service) EnforceQuota(maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	entries, err := s.listCacheEntries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })

	removed := 0
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if rmErr := os.Remove(e.path); rmErr != nil {
			continue
		}
		total -= e.size
		removed++
	}
	return removed, nil
}
