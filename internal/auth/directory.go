package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.etcd.io/bbolt"
)

const principalsBucket = "principals"

// hashPrefixLen is the number of leading hex characters of a credential
// digest used to narrow a Postgres lookup to a small candidate set. The
// full digest is always compared in constant time afterward, so a
// collision in the prefix only costs an extra loop iteration, never a
// false match.
const hashPrefixLen = 8

func hashPrefix(digest string) string {
	if len(digest) <= hashPrefixLen {
		return digest
	}
	return digest[:hashPrefixLen]
}

// PostgresKeyDirectory is the system of record for API key digests,
// backed by a table of (credential_hash, principal_id, principal_name)
// rows (spec §4.6).
type PostgresKeyDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyDirectory wraps an already-connected pool.
func NewPostgresKeyDirectory(pool *pgxpool.Pool) *PostgresKeyDirectory {
	return &PostgresKeyDirectory{pool: pool}
}

// Lookup resolves digest to a Principal. The query narrows candidates by
// hash_prefix, a non-secret indexed column, then every candidate's full
// credential_hash is compared against digest with
// crypto/subtle.ConstantTimeCompare (spec §4.6) so the match itself never
// leans on Postgres's own (non-constant-time) string equality.
func (d *PostgresKeyDirectory) Lookup(ctx context.Context, digest string) (Principal, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT principal_id, principal_name, credential_hash FROM api_keys WHERE hash_prefix = $1 AND revoked_at IS NULL`,
		hashPrefix(digest),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	defer rows.Close()

	var match Principal
	found := false
	for rows.Next() {
		var p Principal
		var storedHash string
		if err := rows.Scan(&p.ID, &p.Name, &storedHash); err != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		}
		if subtle.ConstantTimeCompare([]byte(storedHash), []byte(digest)) == 1 {
			match, found = p, true
		}
	}
	if err := rows.Err(); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	if !found {
		return Principal{}, ErrKeyNotFound
	}
	return match, nil
}

// Ping verifies connectivity to Postgres, for startup/readiness checks.
func (d *PostgresKeyDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// cachedPrincipal is the bbolt-stored representation of a directory hit.
// Digest is stored alongside the key it is filed under so readCache can
// verify the entry in constant time rather than trusting bbolt's own
// keyed Get.
type cachedPrincipal struct {
	Digest    string    `json:"digest"`
	Principal Principal `json:"principal"`
	CachedAt  time.Time `json:"cached_at"`
}

// Cached wraps a KeyDirectory with a local bbolt-backed read-through
// cache, so a gateway instance survives brief Postgres unavailability
// and avoids a round trip on every request for the same principal.
type Cached struct {
	upstream KeyDirectory
	db       *bbolt.DB
	ttl      time.Duration
}

// NewCached opens (or creates) a bbolt database at dbPath and wraps
// upstream with a cache whose entries expire after ttl.
func NewCached(upstream KeyDirectory, dbPath string, ttl time.Duration) (*Cached, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open auth cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(principalsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create principals bucket: %w", err)
	}

	return &Cached{upstream: upstream, db: db, ttl: ttl}, nil
}

// Lookup serves from the local cache when a fresh entry exists for
// digest. readCache re-verifies the stored digest against the requested
// one with crypto/subtle.ConstantTimeCompare before trusting the hit, so
// the cache never becomes a second, non-constant-time comparison path. On
// a cache miss or stale entry it falls through to upstream and
// repopulates the cache.
func (c *Cached) Lookup(ctx context.Context, digest string) (Principal, error) {
	if p, ok := c.readCache(digest); ok {
		return p, nil
	}

	p, err := c.upstream.Lookup(ctx, digest)
	if err != nil {
		return Principal{}, err
	}

	c.writeCache(digest, p)
	return p, nil
}

func (c *Cached) readCache(digest string) (Principal, bool) {
	var entry cachedPrincipal
	found := false

	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(principalsBucket))
		data := b.Get([]byte(digest))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})

	if !found || subtle.ConstantTimeCompare([]byte(entry.Digest), []byte(digest)) != 1 {
		return Principal{}, false
	}
	if time.Since(entry.CachedAt) > c.ttl {
		return Principal{}, false
	}
	return entry.Principal, true
}

func (c *Cached) writeCache(digest string, p Principal) {
	entry := cachedPrincipal{Digest: digest, Principal: p, CachedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(principalsBucket))
		return b.Put([]byte(digest), data)
	})
}

// Close closes the underlying bbolt database.
func (c *Cached) Close() error {
	return c.db.Close()
}
