package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/zerg/pkg/types"
)

// acquireLock takes the process-exclusive feature lock via O_EXCL, writing
// "pid:epoch_seconds". A lock older than types.StaleAfter is reclaimable;
// age exactly equal to StaleAfter is still considered active (spec.md §8
// boundary behaviour). The returned release func validates pid == self.pid
// before unlinking, per spec.md §4.1.
func (s *Store) acquireLock() (release func(), err error) {
	path := s.lockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload := fmt.Sprintf("%d:%d", s.pid, time.Now().Unix())
			if _, werr := f.WriteString(payload); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lockfile: %w", werr)
			}
			f.Close()
			return func() { s.releaseLock(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lockfile: %w", err)
		}

		if stale, serr := lockIsStale(path); serr == nil && stale {
			os.Remove(path)
			continue
		}

		if attempt >= lockWaitAttempts {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		time.Sleep(lockWaitInterval)
	}
}

const (
	lockWaitAttempts = 20
	lockWaitInterval = 50 * time.Millisecond
)

func lockIsStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	_, epoch, ok := parseLock(string(data))
	if !ok {
		return false, fmt.Errorf("malformed lockfile %s", path)
	}
	age := time.Since(time.Unix(epoch, 0))
	return age > types.StaleAfter, nil
}

func parseLock(payload string) (pid int, epoch int64, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(payload), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	p, err1 := strconv.Atoi(parts[0])
	e, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return p, e, true
}

func (s *Store) releaseLock(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pid, _, ok := parseLock(string(data))
	if !ok || pid != s.pid {
		// Not ours (reclaimed by someone else as stale, or foreign); do not unlink.
		return
	}
	os.Remove(path)
}
