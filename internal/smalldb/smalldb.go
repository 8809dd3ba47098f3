// Package smalldb implements the small-value cache tier.
//
// The historical implementation keyed a Berkeley DB hash/btree database by
// digest, installing the digest's own leading bytes as the database's
// bucket hash function to avoid a second hash pass (see db.c). Go has no
// maintained Berkeley DB binding, so this tier is reimplemented over
// modernc.org/sqlite, a pure-Go SQLite port already exercised as an
// embedded store by quay-claircore (its indexer backend) in the example
// corpus. A single table keyed by the digest plays the same role; WAL mode
// plus NORMAL synchronous durability is the closest equivalent to the
// historical DB_INIT_MPOOL in-memory page pool's durability/throughput
// tradeoff.
package smalldb

import (
	"database/sql"
	"encoding/binary"
	"log"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/distr1/hdrcache/digest"
	"github.com/distr1/hdrcache/envelope"
	"golang.org/x/xerrors"
)

// DB is a handle on the small-value tier's backing file.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the cache.db file inside dir.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "cache.db")
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	// The historical cache requires a single cooperating set of processes
	// per directory, serialized by critsection's flock, not by SQLite's own
	// locking; one connection per handle keeps that invariant simple.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS entries (
		hash     BLOB PRIMARY KEY,
		envelope BLOB NOT NULL
	)`); err != nil {
		sqlDB.Close()
		return nil, xerrors.Errorf("create schema: %w", err)
	}

	return &DB{sql: sqlDB}, nil
}

// Close releases the backing file.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Get returns the raw envelope stored for d, or ok == false on a miss.
func (db *DB) Get(d digest.Digest) (env []byte, ok bool, err error) {
	err = db.sql.QueryRow(`SELECT envelope FROM entries WHERE hash = ?`, d[:]).Scan(&env)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("get: %w", err)
	}
	return env, true, nil
}

// Put stores (overwriting any existing) envelope for d.
func (db *DB) Put(d digest.Digest, env []byte) error {
	_, err := db.sql.Exec(`INSERT INTO entries(hash, envelope) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET envelope = excluded.envelope`, d[:], env)
	if err != nil {
		return xerrors.Errorf("put: %w", err)
	}
	return nil
}

// Del removes the entry for d, if any. A missing entry is not an error.
func (db *DB) Del(d digest.Digest) error {
	if _, err := db.sql.Exec(`DELETE FROM entries WHERE hash = ?`, d[:]); err != nil {
		return xerrors.Errorf("del: %w", err)
	}
	return nil
}

// TouchATime rewrites only the atime field of the stored envelope header,
// modeling the historical DB_DBT_PARTIAL prefix-only rewrite that avoided
// touching (or even reading back) the payload.
func (db *DB) TouchATime(d digest.Digest, atime uint16) error {
	var atimeBytes [2]byte
	binary.LittleEndian.PutUint16(atimeBytes[:], atime)

	// envelope bytes are (flags:2, mtime:2, atime:2, pad:2, payload...);
	// substr is 1-indexed, so bytes 1-4 are flags+mtime and byte 7 onward
	// is pad+payload.
	_, err := db.sql.Exec(
		`UPDATE entries SET envelope = substr(envelope, 1, 4) || ? || substr(envelope, 7)
		 WHERE hash = ?`, atimeBytes[:], d[:])
	if err != nil {
		return xerrors.Errorf("touch atime: %w", err)
	}
	return nil
}

// Clean deletes every entry whose mtime and atime are both older than days
// relative to now, using unsigned 16-bit day-index arithmetic (wraparound
// acknowledged, not corrected — see spec's day-index open question).
func (db *DB) Clean(days int, now uint16) error {
	rows, err := db.sql.Query(`SELECT hash, envelope FROM entries`)
	if err != nil {
		return xerrors.Errorf("cursor: %w", err)
	}

	var expired [][]byte
	for rows.Next() {
		var hash, env []byte
		if err := rows.Scan(&hash, &env); err != nil {
			log.Printf("hdrcache: smalldb clean scan: %v", err)
			continue
		}
		mtime, atime, ok := envelope.Header(env)
		if !ok {
			log.Printf("hdrcache: smalldb clean: short envelope for %x", hash)
			continue
		}
		if mtime+uint16(days) < now && atime+uint16(days) < now {
			expired = append(expired, hash)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return xerrors.Errorf("cursor: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return nil
	}

	tx, err := db.sql.Begin()
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	for _, hash := range expired {
		if _, err := tx.Exec(`DELETE FROM entries WHERE hash = ?`, hash); err != nil {
			log.Printf("hdrcache: smalldb clean delete: %v", err)
		}
	}
	return tx.Commit()
}
