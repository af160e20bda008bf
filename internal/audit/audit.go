package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = 5 * time.Second
)

// Category groups audit entries by the kind of material involved.
type Category string

const (
	CategoryWalletKey Category = "wallet_key"
	CategorySeed      Category = "seed"
	CategoryKeyring   Category = "keyring"
	CategorySecret    Category = "secret"
	CategorySession   Category = "session"
)

// Entry is one custody audit record. Entries form a hash chain: Hash covers
// every field and PrevHash, so removing or editing an entry breaks Verify.
// Details never carry secret material.
type Entry struct {
	Sequence  uint64            `json:"seq"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	Category  Category          `json:"category"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Details   map[string]string `json:"details,omitempty"`
	PrevHash  string            `json:"prevHash"`
	Hash      string            `json:"hash"`
}

// Storage persists flushed entries.
type Storage interface {
	Store(ctx context.Context, entries []*Entry) error
	// Query returns matching entries ordered by Sequence.
	Query(ctx context.Context, filter *Filter) ([]*Entry, error)
}

type Filter struct {
	Since    *time.Time
	Until    *time.Time
	Category []Category
	Action   string
	Resource string
	Limit    int
	Offset   int
}

type Events struct {
	EntryRecorded *event.Event1[*Entry]
	Flushed       *event.Event1[int]
}

// Trail buffers audit entries and writes them to storage in batches from
// Run.
type Trail struct {
	*logger.WrappedLogger

	Events *Events

	storage       Storage
	buffer        chan *Entry
	bufferSize    int
	flushInterval time.Duration

	// pending holds entries whose write failed; only the flushing goroutine
	// touches it.
	pending []*Entry

	mu       sync.Mutex
	stopped  bool
	sequence uint64
	lastHash string
}

func NewTrail(log *logger.Logger, storage Storage, bufferSize int, flushInterval time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	return &Trail{
		WrappedLogger: logger.NewWrappedLogger(log),
		Events: &Events{
			EntryRecorded: event.New1[*Entry](),
			Flushed:       event.New1[int](),
		},
		storage:       storage,
		buffer:        make(chan *Entry, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
	}
}

// Resume continues the chain from the last stored entry. Call it once
// before recording.
func (t *Trail) Resume(ctx context.Context) error {
	entries, err := t.storage.Query(ctx, &Filter{})
	if err != nil {
		return err
	}
	if err := Verify(entries); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(entries); n > 0 {
		t.sequence = entries[n-1].Sequence
		t.lastHash = entries[n-1].Hash
	}

	return nil
}

// Record appends an entry to the chain. It never blocks: when the buffer is
// full the entry is dropped with an error log and the chain continues from
// the previous entry.
func (t *Trail) Record(category Category, action, resource string, details map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	entry := &Entry{
		Sequence:  t.sequence + 1,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Action:    action,
		Resource:  resource,
		Details:   details,
		PrevHash:  t.lastHash,
	}
	entry.Hash = entry.computeHash()

	select {
	case t.buffer <- entry:
		t.sequence = entry.Sequence
		t.lastHash = entry.Hash
		t.Events.EntryRecorded.Trigger(entry)
	default:
		t.LogErrorf("audit buffer full, dropped %s %s on %s", category, action, resource)
	}
}

// Run flushes the buffer every flush interval or when a batch fills up. On
// cancellation it stops accepting entries and flushes what is left.
func (t *Trail) Run(ctx context.Context) {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, t.bufferSize)
	for {
		select {
		case entry := <-t.buffer:
			batch = append(batch, entry)
			if len(batch) >= t.bufferSize {
				t.flush(batch)
				batch = make([]*Entry, 0, t.bufferSize)
			}

		case <-ticker.C:
			if len(batch) > 0 || len(t.pending) > 0 {
				t.flush(batch)
				batch = make([]*Entry, 0, t.bufferSize)
			}

		case <-ctx.Done():
			t.stop()
			t.flush(t.drain(batch))

			return
		}
	}
}

// Close stops accepting entries and writes out the buffer. It is for callers
// that never started Run.
func (t *Trail) Close() {
	t.stop()
	t.flush(t.drain(nil))
}

func (t *Trail) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
}

func (t *Trail) drain(batch []*Entry) []*Entry {
	for {
		select {
		case entry := <-t.buffer:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

// flush writes entries after any batch that failed earlier. A failed write
// is kept and retried first, so the stored chain never skips a sequence.
func (t *Trail) flush(entries []*Entry) {
	entries = append(t.pending, entries...)
	t.pending = nil
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := t.storage.Store(ctx, entries); err != nil {
		t.pending = entries
		t.LogErrorf("failed to store %d audit entries, retrying on next flush: %v", len(entries), err)

		return
	}

	t.Events.Flushed.Trigger(len(entries))
	t.LogDebugf("flushed %d audit entries", len(entries))
}

func (t *Trail) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	return t.storage.Query(ctx, filter)
}

// Verify checks that entries form an unbroken chain in order.
func Verify(entries []*Entry) error {
	for i, entry := range entries {
		if entry.computeHash() != entry.Hash {
			return cerrors.Newf(cerrors.CodeInternal, "audit entry %d has been altered", entry.Sequence)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if entry.Sequence != prev.Sequence+1 || entry.PrevHash != prev.Hash {
			return cerrors.Newf(cerrors.CodeInternal, "audit chain broken before entry %d", entry.Sequence)
		}
	}

	return nil
}

func (e *Entry) computeHash() string {
	h := sha256.New()

	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}

	write(strconv.FormatUint(e.Sequence, 10))
	write(e.ID)
	write(e.Timestamp.Format(time.RFC3339Nano))
	write(string(e.Category))
	write(e.Action)
	write(e.Resource)

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(fmt.Sprintf("%s=%s", k, e.Details[k]))
	}

	write(e.PrevHash)

	return hex.EncodeToString(h.Sum(nil))
}

func (f *Filter) matches(e *Entry) bool {
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if len(f.Category) > 0 && !contains(f.Category, e.Category) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}

	return true
}

// page applies Offset and Limit to matching entries.
func (f *Filter) page(entries []*Entry) []*Entry {
	start := f.Offset
	if start > len(entries) {
		start = len(entries)
	}
	end := len(entries)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	return entries[start:end]
}

func contains[T comparable](slice []T, item T) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}

	return false
}
