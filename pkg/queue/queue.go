// Package queue implements the durable, disk-backed, single-consumer
// FIFO used to connect the keeper's pipeline stages (component A).
//
// Each queue is a directory holding one append-only log file, one
// cursor file recording the byte offset of the next record to
// deliver, and one lock file enforcing the single-consumer contract
// and enabling crash recovery.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	logFilename    = "queue.log"
	cursorFilename = "queue.cursor"
	lockFilename   = ".lock"

	maxRecordSize = 64 << 20 // 64MiB, generous for a batch of events
)

// ErrQueueClosed is returned by operations attempted after Close.
var ErrQueueClosed = errors.New("queue: closed")

// Queue is a named on-disk FIFO bound to a directory. It exposes both
// endpoints (sender, receiver) described in spec.md §4.A; a single
// process is expected to hold both, matching how each worker owns its
// own queue pair.
type Queue struct {
	dir  string
	lock *flock.Flock

	writeMu sync.Mutex
	logFile *os.File

	readMu     sync.Mutex
	readFile   *os.File
	cursorPath string
	cursor     int64 // next byte offset to deliver; advanced only on Commit

	pendingMu sync.Mutex // serializes Recv/Commit/Rollback: one in-flight item at a time

	closed bool
}

// Open opens (creating if necessary) the named queue rooted at dir.
// It first recovers any stale lock left by a crashed process, then
// acquires the lock for this process.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue %s: mkdir: %w", dir, err)
	}

	lockPath := filepath.Join(dir, lockFilename)
	if err := recoverStaleLock(lockPath); err != nil {
		return nil, fmt.Errorf("queue %s: recover lock: %w", dir, err)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("queue %s: acquire lock: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("queue %s: already held by another consumer", dir)
	}

	logPath := filepath.Join(dir, logFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("queue %s: open log: %w", dir, err)
	}

	readFile, err := os.Open(logPath)
	if err != nil {
		logFile.Close()
		lock.Unlock()
		return nil, fmt.Errorf("queue %s: open log for reading: %w", dir, err)
	}

	cursorPath := filepath.Join(dir, cursorFilename)
	cursor, err := readCursor(cursorPath)
	if err != nil {
		readFile.Close()
		logFile.Close()
		lock.Unlock()
		return nil, fmt.Errorf("queue %s: read cursor: %w", dir, err)
	}

	return &Queue{
		dir:        dir,
		lock:       lock,
		logFile:    logFile,
		readFile:   readFile,
		cursorPath: cursorPath,
		cursor:     cursor,
	}, nil
}

// recoverStaleLock removes lockPath if it was left behind by a
// process that no longer exists. flock's OS-level advisory lock is
// itself released automatically when a process dies, but the sentinel
// file can remain; §6 requires deleting any stale `.lock` before
// opening the queue, so we always attempt the clean-up step
// explicitly rather than relying solely on the OS lock.
func recoverStaleLock(lockPath string) error {
	probe := flock.New(lockPath)
	locked, err := probe.TryLock()
	if err != nil {
		return err
	}
	if locked {
		// Nobody else holds it; release, delete the stale sentinel, and
		// let Open() re-acquire cleanly.
		if err := probe.Unlock(); err != nil {
			return err
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	// Held by someone. If that someone is dead, the OS would have
	// released the advisory lock already, so TryLock succeeding above
	// would have caught it. Reaching here means a live holder exists.
	return nil
}

func readCursor(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt cursor file (len=%d)", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func writeCursor(path string, offset int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(offset))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b[:], 0o644); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
	if err == nil {
		f.Sync()
		f.Close()
	}
	return os.Rename(tmp, path)
}

// Send appends an item to the queue. Durable on return: the write is
// flushed and fsynced before Send returns ok.
func (q *Queue) Send(item []byte) error {
	if len(item) > maxRecordSize {
		return fmt.Errorf("queue %s: item too large (%d bytes)", q.dir, len(item))
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(item)))
	if _, err := q.logFile.Write(header[:]); err != nil {
		return fmt.Errorf("queue %s: write header: %w", q.dir, err)
	}
	if _, err := q.logFile.Write(item); err != nil {
		return fmt.Errorf("queue %s: write item: %w", q.dir, err)
	}
	if err := q.logFile.Sync(); err != nil {
		return fmt.Errorf("queue %s: fsync: %w", q.dir, err)
	}
	return nil
}

// Item is a received, not-yet-acknowledged queue entry. Exactly one
// of Commit or Rollback must be called before the next RecvTimeout.
type Item struct {
	Body       []byte
	q          *Queue
	nextCursor int64
	done       bool
}

// Commit finalizes consumption: the item will not be re-delivered.
func (it *Item) Commit() error {
	if it.done {
		return fmt.Errorf("queue: item already finalized")
	}
	it.done = true
	defer it.q.pendingMu.Unlock()

	it.q.readMu.Lock()
	defer it.q.readMu.Unlock()
	if err := writeCursor(it.q.cursorPath, it.nextCursor); err != nil {
		return fmt.Errorf("queue %s: commit: %w", it.q.dir, err)
	}
	it.q.cursor = it.nextCursor
	return nil
}

// Rollback abandons the item; it will be re-delivered by the next
// RecvTimeout call. Rollback is not implicit: an Item dropped without
// Commit or Rollback keeps the queue's single pending slot held, so
// later RecvTimeout calls block; the item is re-delivered only after
// the queue is reopened.
func (it *Item) Rollback() {
	if it.done {
		return
	}
	it.done = true
	it.q.pendingMu.Unlock()
}

// RecvTimeout blocks for up to d waiting for an item. It returns
// (nil, nil) if the timeout elapses with nothing available, so the
// caller can perform periodic work (spec.md §4.A).
//
// Only one Item may be outstanding (un-committed/rolled-back) at a
// time, enforcing the single-consumer contract even within a single
// process.
func (q *Queue) RecvTimeout(d time.Duration) (*Item, error) {
	q.pendingMu.Lock()
	// pendingMu is released by Item.Commit/Rollback; if we return
	// without producing an Item, release it ourselves.
	release := true
	defer func() {
		if release {
			q.pendingMu.Unlock()
		}
	}()

	deadline := time.Now().Add(d)
	const pollInterval = 50 * time.Millisecond
	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		item, nextCursor, err := q.tryRead()
		if err != nil {
			return nil, err
		}
		if item != nil {
			release = false
			return &Item{Body: item, q: q, nextCursor: nextCursor}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

func (q *Queue) tryRead() (body []byte, nextCursor int64, err error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	var header [4]byte
	n, err := q.readFile.ReadAt(header[:], q.cursor)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, nil
		}
		if errors.Is(err, io.EOF) {
			// Partial header written but not yet flushed fully; treat as not-ready.
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("queue %s: read header: %w", q.dir, err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxRecordSize {
		return nil, 0, fmt.Errorf("queue %s: corrupt record length %d", q.dir, length)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(io.NewSectionReader(q.readFile, q.cursor+4, int64(length)), buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, nil // record not fully flushed yet
			}
			return nil, 0, fmt.Errorf("queue %s: read item: %w", q.dir, err)
		}
	}
	return buf, q.cursor + 4 + int64(length), nil
}

// Close releases the queue's file handles and lock. Safe to call
// once; idempotent close errors are not surfaced.
func (q *Queue) Close() error {
	q.writeMu.Lock()
	q.closed = true
	q.writeMu.Unlock()

	var firstErr error
	if err := q.readFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := q.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := q.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Depth reports the number of unread bytes, used only for diagnostics
// (not authoritative for any invariant).
func (q *Queue) Depth() (int64, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()
	info, err := q.readFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() - q.cursor, nil
}

// RemoveStaleLocks walks a cache-dir root and deletes every `.lock`
// sentinel not currently held, matching the supervisor's startup
// responsibility in spec.md §6 ("the supervisor deletes any stale
// .lock under the configured cache directory before opening the
// queues").
func RemoveStaleLocks(cacheDir string) error {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove stale locks: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		lockPath := filepath.Join(cacheDir, e.Name(), lockFilename)
		if _, err := os.Stat(lockPath); err != nil {
			continue
		}
		if err := recoverStaleLock(lockPath); err != nil {
			return fmt.Errorf("remove stale lock %s: %w", lockPath, err)
		}
	}
	return nil
}
