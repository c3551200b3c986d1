// Package flightlog records flights (phase transitions and telemetry
// frames) in a sqlite database.
package flightlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/stronnag/mspflight/pkg/flight"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
)

const SCHEMA = `CREATE TABLE IF NOT EXISTS session (id text NOT NULL PRIMARY KEY, started integer, device text, ended integer, final text, reason text);
CREATE TABLE IF NOT EXISTS transitions (session text, idx integer, stamp integer, from_phase text, to_phase text, reason text);
CREATE TABLE IF NOT EXISTS telemetry (session text, idx integer, stamp integer, cmd integer, name text, payload blob);`

const ISESS = `insert into session (id, started, device) values ($1,$2,$3)`
const ESESS = `update session set ended=$1, final=$2, reason=$3 where id=$4`
const ITRANS = `insert into transitions (session, idx, stamp, from_phase, to_phase, reason) values ($1,$2,$3,$4,$5,$6)`
const ITELEM = `insert into telemetry (session, idx, stamp, cmd, name, payload) values ($1,$2,$3,$4,$5,$6)`

// Recorder writes one session at a time. Stamps are milliseconds, absolute
// for sessions and relative to the session start otherwise.
type Recorder struct {
	db     *sqlx.DB
	mu     sync.Mutex
	id     string
	start  time.Time
	tcount int
	mcount int
}

func Open(fn string) (*Recorder, error) {
	db, err := sqlx.Open("sqlite", fn)
	if err != nil {
		return nil, fmt.Errorf("flightlog: %w", err)
	}
	if _, err = db.Exec(SCHEMA); err != nil {
		db.Close()
		return nil, fmt.Errorf("flightlog: schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Begin starts a new session and returns its id.
func (r *Recorder) Begin(device string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = uuid.NewString()
	r.start = time.Now()
	r.tcount = 0
	r.mcount = 0
	if _, err := r.db.Exec(ISESS, r.id, r.start.UnixMilli(), device); err != nil {
		return "", fmt.Errorf("flightlog: session: %w", err)
	}
	return r.id, nil
}

func errstr(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func (r *Recorder) End(final flight.Phase, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.Exec(ESESS, time.Now().UnixMilli(), final.String(), errstr(reason), r.id); err != nil {
		return fmt.Errorf("flightlog: end: %w", err)
	}
	return nil
}

func (r *Recorder) Transition(tr flight.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(ITRANS, r.id, r.tcount, tr.At.Sub(r.start).Milliseconds(),
		tr.From.String(), tr.To.String(), errstr(tr.Reason))
	if err != nil {
		return fmt.Errorf("flightlog: transition: %w", err)
	}
	r.tcount++
	return nil
}

func (r *Recorder) Telemetry(t mspclient.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(ITELEM, r.id, r.mcount, t.At.Sub(r.start).Milliseconds(),
		int(t.Frame.Cmd), msp.CmdName(t.Frame.Cmd), t.Frame.Payload)
	if err != nil {
		return fmt.Errorf("flightlog: telemetry: %w", err)
	}
	r.mcount++
	return nil
}

// Consume records frames from c until it closes or ctx is done.
func (r *Recorder) Consume(ctx context.Context, c <-chan mspclient.Telemetry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-c:
			if !ok {
				return nil
			}
			if err := r.Telemetry(t); err != nil {
				return err
			}
		}
	}
}
