package regulatory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atmx/post-trade-engine/internal/model"
)

const outboxBucketName = "submissions"

// OutboxRecord is a submission that exhausted its immediate retries.
type OutboxRecord struct {
	Report      model.RegulatoryReport `json:"report"`
	Attempts    int                    `json:"attempts"`
	NextRetryAt int64                  `json:"next_retry_at"`
	UpdatedAt   int64                  `json:"updated_at"`
	LastError   string                 `json:"last_error"`
}

// Outbox durably holds submissions awaiting retry. Records are keyed by
// report id.
type Outbox interface {
	Put(record *OutboxRecord) error
	Get(reportID string) (*OutboxRecord, error)
	Delete(reportID string) error
	ListDue(before time.Time, limit int) ([]*OutboxRecord, error)
	Len() (int, error)
}

// MemoryOutbox is a process-local Outbox.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]OutboxRecord
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]OutboxRecord)}
}

func (o *MemoryOutbox) Put(record *OutboxRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[record.Report.ID] = *record
	return nil
}

func (o *MemoryOutbox) Get(reportID string) (*OutboxRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[reportID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (o *MemoryOutbox) Delete(reportID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.records, reportID)
	return nil
}

func (o *MemoryOutbox) ListDue(before time.Time, limit int) ([]*OutboxRecord, error) {
	o.mu.Lock()
	keys := make([]string, 0, len(o.records))
	for k := range o.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var results []*OutboxRecord
	for _, k := range keys {
		rec := o.records[k]
		if rec.NextRetryAt == 0 || time.UnixMilli(rec.NextRetryAt).After(before) {
			continue
		}
		results = append(results, &rec)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	o.mu.Unlock()
	return results, nil
}

func (o *MemoryOutbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records), nil
}

// BoltOutbox persists parked submissions in a bbolt file so they survive a
// restart.
type BoltOutbox struct {
	db *bolt.DB
}

func OpenBoltOutbox(path string) (*BoltOutbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir outbox path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outboxBucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltOutbox{db: db}, nil
}

func (o *BoltOutbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	return o.db.Close()
}

func (o *BoltOutbox) Put(record *OutboxRecord) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outboxBucketName))
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.Report.ID), data)
	})
}

func (o *BoltOutbox) Get(reportID string) (*OutboxRecord, error) {
	var rec *OutboxRecord
	err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(outboxBucketName)).Get([]byte(reportID))
		if len(data) == 0 {
			return nil
		}
		var r OutboxRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (o *BoltOutbox) Delete(reportID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucketName)).Delete([]byte(reportID))
	})
}

func (o *BoltOutbox) ListDue(before time.Time, limit int) ([]*OutboxRecord, error) {
	var results []*OutboxRecord
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(outboxBucketName)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 0 {
				continue
			}
			var rec OutboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.NextRetryAt == 0 || time.UnixMilli(rec.NextRetryAt).After(before) {
				continue
			}
			results = append(results, &rec)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
		return nil
	})
	return results, err
}

func (o *BoltOutbox) Len() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(outboxBucketName)).Stats().KeyN
		return nil
	})
	return n, err
}
