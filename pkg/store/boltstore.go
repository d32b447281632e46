package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/attrmesh/pkg/failures"
	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/types"
)

var (
	// Bucket names
	bucketAttrs        = []byte("attributes")
	bucketRemoteOwners = []byte("remote_owners")
)

// op is one queued store call, applied by the worker goroutine.
type op struct {
	callID string
	apply  func(tx *bolt.Tx) error
}

// BoltStore implements Store using BoltDB. Attributes live in nested
// buckets attributes/<section>/<owner>, keyed by attribute name.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger

	ops         chan op
	completions chan Completion
	closing     chan struct{}
	wg          sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBoltStore opens (or creates) the attribute database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "attrmesh.db")

	// Timeout makes a held file lock an error instead of blocking forever,
	// so callers can retry.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAttrs, bucketRemoteOwners} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:          db,
		logger:      log.WithComponent("store"),
		ops:         make(chan op, 64),
		completions: make(chan Completion, 64),
		closing:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// run applies queued calls one at a time and reports their completions.
func (s *BoltStore) run() {
	defer s.wg.Done()
	for o := range s.ops {
		err := s.db.Update(o.apply)
		// Once Close starts there may be nobody left draining completions;
		// give up on delivery rather than block the shutdown.
		select {
		case s.completions <- Completion{CallID: o.callID, Err: err}:
		case <-s.closing:
		}
	}
}

func (s *BoltStore) submit(apply func(tx *bolt.Tx) error) string {
	callID := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Complete immediately; the engine treats this as any other
		// failed call.
		go func() { s.completions <- Completion{CallID: callID, Err: ErrNotConnected} }()
		return callID
	}
	s.ops <- op{callID: callID, apply: apply}
	return callID
}

// Upsert writes one attribute value.
func (s *BoltStore) Upsert(req WriteRequest) string {
	return s.submit(func(tx *bolt.Tx) error {
		owner, err := ownerBucket(tx, req.Section, req.Owner, true)
		if err != nil {
			return err
		}
		if req.Remote {
			if err := tx.Bucket(bucketRemoteOwners).Put([]byte(req.Owner), []byte{1}); err != nil {
				return err
			}
		}
		s.logger.Debug().
			Str("section", req.Section).
			Str("owner", req.Owner).
			Str("attribute", req.Name).
			Str("principal", req.Principal).
			Msg("upsert")
		return owner.Put([]byte(req.Name), []byte(*req.Value))
	})
}

// Delete removes one attribute. A missing attribute completes with
// ErrNotFound.
func (s *BoltStore) Delete(req WriteRequest) string {
	return s.submit(func(tx *bolt.Tx) error {
		owner, err := ownerBucket(tx, req.Section, req.Owner, false)
		if err != nil {
			return err
		}
		if owner == nil || owner.Get([]byte(req.Name)) == nil {
			return ErrNotFound
		}
		s.logger.Debug().
			Str("section", req.Section).
			Str("owner", req.Owner).
			Str("attribute", req.Name).
			Msg("delete")
		return owner.Delete([]byte(req.Name))
	})
}

// DeleteMatching removes every attribute of remote-class owners covered
// by the query. Only the status section is searched; failure attributes
// are transient.
func (s *BoltStore) DeleteMatching(q failures.ClearQuery) string {
	return s.submit(func(tx *bolt.Tx) error {
		section, err := sectionBucket(tx, types.SectionStatus, false)
		if err != nil || section == nil {
			return err
		}

		remotes := tx.Bucket(bucketRemoteOwners)
		deleted := 0

		cursor := remotes.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			host := string(k)
			if !q.MatchesHost(host) {
				continue
			}
			owner := section.Bucket(k)
			if owner == nil {
				continue
			}

			var matched [][]byte
			oc := owner.Cursor()
			for name, _ := oc.First(); name != nil; name, _ = oc.Next() {
				if q.MatchesName(string(name)) {
					matched = append(matched, append([]byte(nil), name...))
				}
			}
			for _, name := range matched {
				if err := owner.Delete(name); err != nil {
					return err
				}
				deleted++
			}
		}

		s.logger.Debug().Str("query", q.String()).Int("deleted", deleted).Msg("bulk clear")
		return nil
	})
}

// Completions delivers results of issued calls.
func (s *BoltStore) Completions() <-chan Completion {
	return s.completions
}

// Connected reports whether the database is open.
func (s *BoltStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Lookup reads one attribute value directly. Intended for inspection and
// tests; the engine itself never reads back.
func (s *BoltStore) Lookup(section, owner, name string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := ownerBucket(tx, section, owner, false)
		if err != nil || b == nil {
			return err
		}
		if v := b.Get([]byte(name)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Close stops the worker and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	close(s.ops)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

func sectionBucket(tx *bolt.Tx, section string, create bool) (*bolt.Bucket, error) {
	attrs := tx.Bucket(bucketAttrs)
	if create {
		return attrs.CreateBucketIfNotExists([]byte(section))
	}
	return attrs.Bucket([]byte(section)), nil
}

func ownerBucket(tx *bolt.Tx, section, owner string, create bool) (*bolt.Bucket, error) {
	sec, err := sectionBucket(tx, section, create)
	if err != nil || sec == nil {
		return nil, err
	}
	if create {
		return sec.CreateBucketIfNotExists([]byte(owner))
	}
	return sec.Bucket([]byte(owner)), nil
}
