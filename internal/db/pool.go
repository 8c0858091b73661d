package db

import "github.com/jmoiron/sqlx"

// Pool splits database traffic into a write handle and a read handle.
//
// SQLite needs the split: the writer is pinned to one connection so every
// mutation serializes cleanly under WAL, while readers fan out over their own
// read-only connections. Postgres does its own pooling, so both handles may
// point at the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the two handles. Passing the same handle twice is fine.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT traffic. Under SQLite WAL each reader sees
// a consistent snapshot and never blocks the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, once each when they are shared.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}
