// Package authcache persists the non-sensitive authentication metadata the
// session core needs across restarts: the last confirmed check timestamp,
// the cached user name, and the token expiry. The data is dual-written to a
// primary bbolt database and a mirror JSON snapshot so either store can
// reconstruct the other after being cleared. Sensitive tokens never pass
// through here; they live in server-set http-only cookies.
package authcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/tempoplan/tempoplan-cli/internal/util"
)

const (
	dbFileName     = "auth.db"
	mirrorFileName = "auth_state.json"

	bucketName = "auth_state"

	keyTimestamp = "auth_timestamp"
	keyUserName  = "auth_user"
	keyExpiry    = "auth_expiry"
)

// snapshot is the mirror file layout. Timestamps are unix milliseconds to
// match the backend's expiry_date representation.
type snapshot struct {
	Timestamp int64  `json:"auth_timestamp"`
	UserName  string `json:"auth_user,omitempty"`
	Expiry    int64  `json:"auth_expiry"`
}

func (s snapshot) empty() bool {
	return s.Timestamp == 0 && s.UserName == "" && s.Expiry == 0
}

// Cache is the persisted read-through auth cache. Reads are served from an
// in-memory copy loaded at open time; writes go through to both stores.
type Cache struct {
	db         *bolt.DB
	mirrorPath string

	mu   sync.Mutex
	snap snapshot
}

// Open opens (or creates) the cache under stateDir and self-heals the two
// stores: an empty primary is repaired from the mirror, a missing mirror is
// rebuilt from the primary.
func Open(stateDir string) (*Cache, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("authcache: create state dir failed: %w", err)
	}
	db, err := bolt.Open(filepath.Join(stateDir, dbFileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("authcache: open database failed: %w", err)
	}

	c := &Cache{
		db:         db,
		mirrorPath: filepath.Join(stateDir, mirrorFileName),
	}

	primary, err := c.readPrimary()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var mirror snapshot
	if errMirror := util.ReadJSON(c.mirrorPath, &mirror); errMirror != nil {
		mirror = snapshot{}
	}

	switch {
	case primary.empty() && !mirror.empty():
		// Primary was cleared but the mirror survived; repair from it.
		c.snap = mirror
		if errRepair := c.writePrimary(mirror); errRepair != nil {
			log.Errorf("authcache: failed to repair primary from mirror: %v", errRepair)
		}
	default:
		c.snap = primary
		if !primary.empty() && mirror != primary {
			c.writeMirror(primary)
		}
	}

	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// LastCheckedAt returns the last confirmed auth check time, zero when none.
func (c *Cache) LastCheckedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.snap.Timestamp)
}

// UserName returns the cached user name, empty when none.
func (c *Cache) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.UserName
}

// Expiry returns the cached token expiry, zero when none.
func (c *Cache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Expiry == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.snap.Expiry)
}

// SetAuthenticated records a confirmed auth check in both stores.
func (c *Cache) SetAuthenticated(checkedAt time.Time, userName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Timestamp = checkedAt.UnixMilli()
	c.snap.UserName = userName
	return c.persistLocked()
}

// SetExpiry records the token expiry in both stores.
func (c *Cache) SetExpiry(expiry time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry.IsZero() {
		c.snap.Expiry = 0
	} else {
		c.snap.Expiry = expiry.UnixMilli()
	}
	return c.persistLocked()
}

// Clear wipes both stores.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snapshot{}

	err := c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(bucketName))
	})
	if errRemove := util.RemoveFile(c.mirrorPath); errRemove != nil {
		log.Errorf("authcache: failed to remove mirror snapshot: %v", errRemove)
	}
	if err != nil {
		return fmt.Errorf("authcache: clear failed: %w", err)
	}
	return nil
}

// persistLocked writes the in-memory snapshot through to the primary and,
// best effort, the mirror. Callers hold c.mu.
func (c *Cache) persistLocked() error {
	if err := c.writePrimary(c.snap); err != nil {
		return err
	}
	c.writeMirror(c.snap)
	return nil
}

func (c *Cache) writePrimary(snap snapshot) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket, errBucket := tx.CreateBucketIfNotExists([]byte(bucketName))
		if errBucket != nil {
			return errBucket
		}
		if errPut := bucket.Put([]byte(keyTimestamp), []byte(strconv.FormatInt(snap.Timestamp, 10))); errPut != nil {
			return errPut
		}
		if errPut := bucket.Put([]byte(keyUserName), []byte(snap.UserName)); errPut != nil {
			return errPut
		}
		return bucket.Put([]byte(keyExpiry), []byte(strconv.FormatInt(snap.Expiry, 10)))
	})
	if err != nil {
		return fmt.Errorf("authcache: write failed: %w", err)
	}
	return nil
}

// writeMirror updates the JSON snapshot. Mirror failures are logged, not
// fatal; the primary remains authoritative.
func (c *Cache) writeMirror(snap snapshot) {
	if err := util.WriteJSON(c.mirrorPath, snap); err != nil {
		log.Errorf("authcache: failed to write mirror snapshot: %v", err)
	}
}

func (c *Cache) readPrimary() (snapshot, error) {
	var snap snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(keyTimestamp)); len(v) > 0 {
			snap.Timestamp, _ = strconv.ParseInt(string(v), 10, 64)
		}
		if v := bucket.Get([]byte(keyUserName)); len(v) > 0 {
			snap.UserName = string(v)
		}
		if v := bucket.Get([]byte(keyExpiry)); len(v) > 0 {
			snap.Expiry, _ = strconv.ParseInt(string(v), 10, 64)
		}
		return nil
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("authcache: read failed: %w", err)
	}
	return snap, nil
}
