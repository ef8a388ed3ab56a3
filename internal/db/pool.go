// Package db opens the SQL connections behind the command ledger.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a writer and a reader connection.
//
// SQLite gets a single-connection writer and a multi-connection read-only
// pool so reads never queue behind writes under WAL. Postgres uses the same
// *sqlx.DB for both.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE and DELETE.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both connections, once each.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
