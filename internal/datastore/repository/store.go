package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store provides repository access over a GORM handle.
type Store struct {
	db      *gorm.DB
	isMySQL bool
}

// New creates a Store. isMySQL enables dialect-specific row locking.
func New(db *gorm.DB, isMySQL bool) *Store {
	return &Store{db: db, isMySQL: isMySQL}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// is bound to the transaction; using the outer Store inside fn deadlocks on
// single-connection SQLite.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, isMySQL: s.isMySQL})
	})
}

// forUpdate adds SELECT ... FOR UPDATE on MySQL. SQLite already serializes
// writers and rejects the clause.
func (s *Store) forUpdate(q *gorm.DB) *gorm.DB {
	if s.isMySQL {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// Page describes offset pagination.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(q *gorm.DB) *gorm.DB {
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	return q
}

// chunkStrings splits ids for IN clauses that stay below driver placeholder limits.
func chunkStrings(ids []string, size int) [][]string {
	var chunks [][]string
	for size < len(ids) {
		ids, chunks = ids[size:], append(chunks, ids[:size])
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

const inClauseChunk = 500
