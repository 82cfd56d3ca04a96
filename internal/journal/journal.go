package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nathanyu/matching-engine/internal/book"
)

// Action names a journaled book operation.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
	ActionModify Action = "modify"
)

// Record is one accepted operation. Records are written before the operation
// is applied, so replaying them in order rebuilds the book exactly.
type Record struct {
	SequenceID uint64         `json:"sequence_id"`
	Action     Action         `json:"action"`
	OrderID    book.OrderID   `json:"order_id"`
	Side       book.Side      `json:"side,omitempty"`
	Kind       book.OrderKind `json:"kind,omitempty"`
	Price      book.Price     `json:"price,omitempty"`
	Quantity   book.Quantity  `json:"quantity,omitempty"`
	LoggedAt   time.Time      `json:"logged_at"`
}

// Journal is an append-only, line-delimited JSON log of book operations.
// Every append is synced before it returns.
type Journal struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens (or creates) the journal file for appending.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	return &Journal{
		path: path,
		file: file,
	}, nil
}

// Append writes one record and syncs the file.
func (j *Journal) Append(record Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal journal record")
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return errors.Wrap(err, "write journal record")
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, "sync journal")
	}

	return nil
}

// Replay streams every record to fn in the order it was appended. A missing
// journal file replays nothing.
func (j *Journal) Replay(fn func(Record) error) error {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open journal for replay")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return errors.Wrapf(err, "decode journal record at line %d", line)
		}
		if err := fn(record); err != nil {
			return errors.Wrapf(err, "replay journal record at line %d", line)
		}
	}

	return errors.Wrap(scanner.Err(), "read journal")
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	return j.file.Close()
}
