package flightlog

import (
	"database/sql"
	"fmt"
	"time"
)

type Session struct {
	Id      string         `db:"id"`
	Started int64          `db:"started"`
	Device  string         `db:"device"`
	Ended   sql.NullInt64  `db:"ended"`
	Final   sql.NullString `db:"final"`
	Reason  sql.NullString `db:"reason"`
}

func (s Session) StartTime() time.Time {
	return time.UnixMilli(s.Started)
}

// Duration is zero for sessions that never ended.
func (s Session) Duration() time.Duration {
	if !s.Ended.Valid {
		return 0
	}
	return time.Duration(s.Ended.Int64-s.Started) * time.Millisecond
}

type TransitionRow struct {
	Idx    int            `db:"idx"`
	Stamp  int64          `db:"stamp"`
	From   string         `db:"from_phase"`
	To     string         `db:"to_phase"`
	Reason sql.NullString `db:"reason"`
}

func (r *Recorder) Sessions() ([]Session, error) {
	var ss []Session
	if err := r.db.Select(&ss, "SELECT * FROM session ORDER BY started"); err != nil {
		return nil, fmt.Errorf("flightlog: %w", err)
	}
	return ss, nil
}

func (r *Recorder) Transitions(session string) ([]TransitionRow, error) {
	rows, err := r.db.Queryx("SELECT idx, stamp, from_phase, to_phase, reason FROM transitions WHERE session=$1 ORDER BY idx", session)
	if err != nil {
		return nil, fmt.Errorf("flightlog: %w", err)
	}
	defer rows.Close()
	var trs []TransitionRow
	for rows.Next() {
		var tr TransitionRow
		if err := rows.StructScan(&tr); err != nil {
			return nil, fmt.Errorf("flightlog: %w", err)
		}
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

// TelemetryCounts returns the number of recorded frames per command name.
func (r *Recorder) TelemetryCounts(session string) (map[string]int, error) {
	rows, err := r.db.Queryx("SELECT name, count(*) AS n FROM telemetry WHERE session=$1 GROUP BY name", session)
	if err != nil {
		return nil, fmt.Errorf("flightlog: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		res := make(map[string]interface{})
		if err := rows.MapScan(res); err != nil {
			return nil, fmt.Errorf("flightlog: %w", err)
		}
		name, _ := res["name"].(string)
		n, _ := res["n"].(int64)
		counts[name] = int(n)
	}
	return counts, rows.Err()
}
