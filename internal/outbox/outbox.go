package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/nathanyu/matching-engine/internal/domain"
)

// State tracks how far an execution report has moved toward the feed.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

const keyPrefix = "report/"

// Record is one stored report plus its delivery state.
type Record struct {
	State       State
	Attempts    uint32
	LastAttempt int64
	Report      domain.ExecutionReport
}

// value encoding: [state:1][attempts:4][lastAttempt:8][report JSON]
const headerLen = 13

func encode(r Record) ([]byte, error) {
	payload, err := json.Marshal(r.Report)
	if err != nil {
		return nil, errors.Wrap(err, "marshal report")
	}

	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Attempts)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[headerLen:], payload)
	return buf, nil
}

func decode(b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.Errorf("outbox record too short: %d bytes", len(b))
	}

	r := Record{
		State:       State(b[0]),
		Attempts:    binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	if err := json.Unmarshal(b[headerLen:], &r.Report); err != nil {
		return Record{}, errors.Wrap(err, "unmarshal report")
	}
	return r, nil
}

// Outbox stores execution reports durably until the feed acknowledges them.
// Reports are keyed by their sequence id so the scan order matches the
// emission order.
type Outbox struct {
	db *pebble.DB
}

// Open opens (or creates) the outbox store at dir.
func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // reports must survive a crash
	})
	if err != nil {
		return nil, errors.Wrap(err, "open outbox")
	}
	return &Outbox{db: db}, nil
}

// Close closes the underlying store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a fresh report in state NEW.
func (o *Outbox) Put(report domain.ExecutionReport) error {
	value, err := encode(Record{State: StateNew, Report: report})
	if err != nil {
		return err
	}
	return errors.Wrap(o.db.Set(keyFor(report.SequenceID), value, pebble.Sync), "put report")
}

// MarkSent flips a report to SENT and bumps its attempt counter.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, func(r *Record) {
		r.State = StateSent
		r.Attempts++
		r.LastAttempt = time.Now().UnixNano()
	})
}

// MarkAcked flips a report to ACKED. Acked reports are skipped by scans and
// reclaimed by CompactAcked.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.update(seq, func(r *Record) {
		r.State = StateAcked
	})
}

func (o *Outbox) update(seq uint64, mutate func(*Record)) error {
	record, err := o.Get(seq)
	if err != nil {
		return err
	}
	mutate(&record)

	value, err := encode(record)
	if err != nil {
		return err
	}
	return errors.Wrapf(o.db.Set(keyFor(seq), value, pebble.Sync), "update report %d", seq)
}

// Get returns the stored record for a sequence id.
func (o *Outbox) Get(seq uint64) (Record, error) {
	value, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, errors.Wrapf(err, "get report %d", seq)
	}
	defer closer.Close()

	return decode(value)
}

// ScanPending walks undelivered reports (NEW or SENT) in sequence order,
// at most limit of them (0 means no cap). The callback returning an error
// stops the scan.
func (o *Outbox) ScanPending(limit int, fn func(seq uint64, record Record) error) error {
	iter, err := o.newIter()
	if err != nil {
		return err
	}
	defer iter.Close()

	seen := 0
	for iter.First(); iter.Valid(); iter.Next() {
		record, err := decode(iter.Value())
		if err != nil {
			return err
		}
		if record.State == StateAcked {
			continue
		}

		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(seq, record); err != nil {
			return err
		}

		seen++
		if limit > 0 && seen >= limit {
			break
		}
	}
	return errors.Wrap(iter.Error(), "scan pending")
}

// CompactAcked deletes acked reports and returns how many were removed.
func (o *Outbox) CompactAcked() (int, error) {
	iter, err := o.newIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		record, err := decode(iter.Value())
		if err != nil {
			return 0, err
		}
		if record.State != StateAcked {
			continue
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, "scan acked")
	}

	for _, key := range keys {
		if err := o.db.Delete(key, pebble.Sync); err != nil {
			return 0, errors.Wrapf(err, "delete %s", key)
		}
	}
	return len(keys), nil
}

// MaxSequence returns the highest stored report sequence, 0 when empty.
// Used to seed the engine's report sequence after a restart.
func (o *Outbox) MaxSequence() (uint64, error) {
	iter, err := o.newIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, errors.Wrap(iter.Error(), "seek last report")
	}
	return parseKey(iter.Key())
}

func (o *Outbox) newIter() (*pebble.Iterator, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	return iter, errors.Wrap(err, "new iterator")
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(key []byte) (uint64, error) {
	trimmed := strings.TrimPrefix(string(key), keyPrefix)
	seq, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse key %s", key)
	}
	return seq, nil
}
