// Package kv is a bbolt-backed execution.Store.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// DatabaseFileName is created inside the data directory.
const DatabaseFileName = "sentinel.db"

var (
	reportsBucket   = []byte("reports")
	activeBucket    = []byte("active-reports")
	budgetsBucket   = []byte("agent-budgets")
	emergencyBucket = []byte("emergency-pauses")

	slotsBucket = []byte("slots")
	indexBucket = []byte("index")
)

var errReadOnly = errors.New("write in read-only transaction")

// Store implements execution.Store on a single bbolt file.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore opens or creates the database under dirPath.
func NewKVStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	datafile := filepath.Join(dirPath, DatabaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := boltDB.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx, reportsBucket, activeBucket, budgetsBucket, emergencyBucket)
	}); err != nil {
		_ = boltDB.Close()
		return nil, errors.Wrap(err, "failed to create buckets")
	}
	return &Store{db: boltDB, databasePath: datafile}, nil
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath is the file this store writes.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update implements execution.Store.
func (s *Store) Update(fn func(tx execution.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View implements execution.Store.
func (s *Store) View(fn func(tx execution.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (b *boltTx) Report(id common.Hash) (*types.ReportRecord, error) {
	enc := b.tx.Bucket(reportsBucket).Get(id.Bytes())
	if enc == nil {
		return nil, nil
	}
	rec := &types.ReportRecord{}
	if err := json.Unmarshal(enc, rec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode report %s", id.Hex())
	}
	return rec, nil
}

func (b *boltTx) PutReport(rec *types.ReportRecord) error {
	if !b.tx.Writable() {
		return errReadOnly
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if err := b.tx.Bucket(reportsBucket).Put(rec.Report.ReportID.Bytes(), enc); err != nil {
		return errors.Wrap(err, "failed to save report")
	}
	return nil
}

// Each protocol owns a nested bucket holding a dense slot array
// (position -> id) and its inverse (id -> position).
func (b *boltTx) protocolBuckets(protocol common.Address, create bool) (slots, index *bolt.Bucket, err error) {
	root := b.tx.Bucket(activeBucket)
	pb := root.Bucket(protocol.Bytes())
	if pb == nil {
		if !create {
			return nil, nil, nil
		}
		if pb, err = root.CreateBucket(protocol.Bytes()); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create protocol bucket")
		}
	}
	if create {
		if slots, err = pb.CreateBucketIfNotExists(slotsBucket); err != nil {
			return nil, nil, err
		}
		if index, err = pb.CreateBucketIfNotExists(indexBucket); err != nil {
			return nil, nil, err
		}
		return slots, index, nil
	}
	return pb.Bucket(slotsBucket), pb.Bucket(indexBucket), nil
}

func (b *boltTx) ActiveReports(protocol common.Address) ([]common.Hash, error) {
	out := []common.Hash{}
	slots, _, err := b.protocolBuckets(protocol, false)
	if err != nil || slots == nil {
		return out, err
	}
	err = slots.ForEach(func(_, v []byte) error {
		out = append(out, common.BytesToHash(v))
		return nil
	})
	return out, err
}

func (b *boltTx) AppendActive(protocol common.Address, id common.Hash) error {
	if !b.tx.Writable() {
		return errReadOnly
	}
	slots, index, err := b.protocolBuckets(protocol, true)
	if err != nil {
		return err
	}
	if index.Get(id.Bytes()) != nil {
		return nil
	}
	pos := encodePos(0)
	if k, _ := slots.Cursor().Last(); k != nil {
		pos = encodePos(decodePos(k) + 1)
	}
	if err := slots.Put(pos, id.Bytes()); err != nil {
		return errors.Wrap(err, "failed to append active report")
	}
	return index.Put(id.Bytes(), pos)
}

func (b *boltTx) RemoveActive(protocol common.Address, id common.Hash) error {
	if !b.tx.Writable() {
		return errReadOnly
	}
	slots, index, err := b.protocolBuckets(protocol, false)
	if err != nil || slots == nil {
		return err
	}
	pos := index.Get(id.Bytes())
	if pos == nil {
		return nil
	}
	pos = append([]byte(nil), pos...)
	lastKey, lastID := slots.Cursor().Last()
	lastKey = append([]byte(nil), lastKey...)
	lastID = append([]byte(nil), lastID...)
	if decodePos(lastKey) != decodePos(pos) {
		if err := slots.Put(pos, lastID); err != nil {
			return errors.Wrap(err, "failed to move last active report")
		}
		if err := index.Put(lastID, pos); err != nil {
			return errors.Wrap(err, "failed to reindex active report")
		}
	}
	if err := slots.Delete(lastKey); err != nil {
		return errors.Wrap(err, "failed to shrink active set")
	}
	return index.Delete(id.Bytes())
}

func (b *boltTx) AgentBudget(agentID string) (types.AgentBudget, error) {
	enc := b.tx.Bucket(budgetsBucket).Get([]byte(agentID))
	if enc == nil {
		return types.AgentBudget{AgentID: agentID}, nil
	}
	var budget types.AgentBudget
	if err := json.Unmarshal(enc, &budget); err != nil {
		return types.AgentBudget{}, errors.Wrapf(err, "failed to decode budget for %s", agentID)
	}
	return budget, nil
}

func (b *boltTx) PutAgentBudget(budget types.AgentBudget) error {
	if !b.tx.Writable() {
		return errReadOnly
	}
	enc, err := json.Marshal(budget)
	if err != nil {
		return errors.Wrap(err, "failed to encode budget")
	}
	return b.tx.Bucket(budgetsBucket).Put([]byte(budget.AgentID), enc)
}

func (b *boltTx) EmergencyPaused(protocol common.Address) (bool, error) {
	return b.tx.Bucket(emergencyBucket).Get(protocol.Bytes()) != nil, nil
}

func (b *boltTx) SetEmergencyPaused(protocol common.Address, paused bool) error {
	if !b.tx.Writable() {
		return errReadOnly
	}
	bucket := b.tx.Bucket(emergencyBucket)
	if !paused {
		return bucket.Delete(protocol.Bytes())
	}
	return bucket.Put(protocol.Bytes(), []byte{1})
}

func encodePos(pos uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, pos)
	return buf
}

func decodePos(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
