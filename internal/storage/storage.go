// Package storage provides persistent data storage for the trade-safety service.
// It uses BoltDB as the underlying storage engine to keep the audit trail of risk
// assessments and emergency-stop toggles, plus the latest ledger snapshot so that
// daily limits survive a restart.
//
// Records are keyed by zero-padded timestamps, so range queries are cursor seeks.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"tradeguard/internal/risk"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"
)

const (
	assessmentsBucket = "assessments"      // Audit records keyed by user and time
	eventsBucket      = "emergency_events" // Emergency-stop toggles keyed by time
	ledgerBucket      = "ledger"           // Single latest ledger snapshot

	ledgerKey = "snapshot"
	dbFile    = "tradeguard.db"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoSnapshot is returned by LoadLedger when nothing was saved yet.
var ErrNoSnapshot = errors.New("no ledger snapshot stored")

// AuditRecord is one stored assessment together with the request it judged.
type AuditRecord struct {
	Assessment risk.Assessment   `json:"assessment"`
	Request    risk.TradeRequest `json:"request"`
}

// Store provides persistent storage using BoltDB.
type Store struct {
	db *bbolt.DB
}

var _ risk.AuditSink = (*Store)(nil)

// New opens (or creates) the database under dataPath and makes sure every
// bucket exists.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{assessmentsBucket, eventsBucket, ledgerBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func stamp(t time.Time) int64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func timeKey(prefix string, t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%s%020d_%s", prefix, stamp(t), suffix))
}

func userPrefix(userID string) string {
	return userID + "/"
}

// SaveAssessment implements risk.AuditSink.
func (s *Store) SaveAssessment(a risk.Assessment, req risk.TradeRequest) error {
	data, err := json.Marshal(AuditRecord{Assessment: a, Request: req})
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(assessmentsBucket))
		return b.Put(timeKey(userPrefix(a.UserID), a.AssessedAt, a.ID), data)
	})
}

// ListAssessments returns the audit records of userID assessed within
// [from, to], oldest first.
func (s *Store) ListAssessments(userID string, from, to time.Time) ([]AuditRecord, error) {
	var records []AuditRecord

	err := s.scanRange(assessmentsBucket, userPrefix(userID), from, to, func(v []byte) error {
		var rec AuditRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil // Skip malformed records
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

// SaveEmergencyEvent implements risk.AuditSink.
func (s *Store) SaveEmergencyEvent(ev risk.EmergencyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal emergency event: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next event sequence: %w", err)
		}
		return b.Put(timeKey("", ev.At, fmt.Sprintf("%d", seq)), data)
	})
}

// ListEmergencyEvents returns toggles recorded within [from, to], oldest first.
func (s *Store) ListEmergencyEvents(from, to time.Time) ([]risk.EmergencyEvent, error) {
	var events []risk.EmergencyEvent

	err := s.scanRange(eventsBucket, "", from, to, func(v []byte) error {
		var ev risk.EmergencyEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

// SaveLedger replaces the stored ledger snapshot.
func (s *Store) SaveLedger(snap risk.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal ledger snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ledgerBucket)).Put([]byte(ledgerKey), data)
	})
}

// LoadLedger returns the stored ledger snapshot, or ErrNoSnapshot.
func (s *Store) LoadLedger() (risk.LedgerSnapshot, error) {
	var snap risk.LedgerSnapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(ledgerBucket)).Get([]byte(ledgerKey))
		if data == nil {
			return ErrNoSnapshot
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("unmarshal ledger snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

// scanRange walks keys of bucket between prefix+from and prefix+to inclusive.
func (s *Store) scanRange(bucket, prefix string, from, to time.Time, fn func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		startKey := []byte(fmt.Sprintf("%s%020d", prefix, stamp(from)))
		// '`' sorts right after '_', so keys stamped exactly at `to` are kept.
		endKey := []byte(fmt.Sprintf("%s%020d`", prefix, stamp(to)))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, []byte(prefix)) {
				break
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}
