package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/snapetech/iptv-gateway/internal/catalog"
)

const selectStreamCols = `SELECT id, channel_id, feed_id, title, url, referrer, user_agent, quality, country, provider, source,
	health_status, health_checked_at, health_response_ms, health_error, next_check_due`

// UpsertStreams writes a batch of streams. Missing ids are derived from
// url+channel_id so re-imports hit the same rows. Health columns are never
// overwritten by an upsert; only UpdateStreamHealth touches them.
func (s *Store) UpsertStreams(streams []catalog.Stream) error {
	if len(streams) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO streams
		(id, channel_id, feed_id, title, url, referrer, user_agent, quality, country, provider, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			feed_id = excluded.feed_id,
			title = excluded.title,
			url = excluded.url,
			referrer = excluded.referrer,
			user_agent = excluded.user_agent,
			quality = excluded.quality,
			country = excluded.country,
			provider = excluded.provider,
			source = excluded.source,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ts := now()
	for _, st := range streams {
		if st.URL == "" {
			continue
		}
		id := st.ID
		if id == "" {
			id = catalog.StreamID(st.URL, st.ChannelID)
		}
		if _, err := stmt.Exec(id, st.ChannelID, st.FeedID, st.Title, st.URL, st.Referrer,
			st.UserAgent, st.Quality, st.Country, st.Provider, st.Source, ts); err != nil {
			return fmt.Errorf("stream %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetStreamByID returns one stream or ErrNotFound.
func (s *Store) GetStreamByID(id string) (*catalog.Stream, error) {
	row := s.db.QueryRow(selectStreamCols+` FROM streams WHERE id = ?`, id)
	st, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStreamsForChannel returns all streams attached to a channel.
func (s *Store) GetStreamsForChannel(channelID string) ([]catalog.Stream, error) {
	rows, err := s.db.Query(selectStreamCols+` FROM streams WHERE channel_id = ? ORDER BY quality DESC`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetUncheckedStreams returns up to limit streams due for a probe: never
// checked first, then those whose next_check_due has passed, oldest check
// first.
func (s *Store) GetUncheckedStreams(limit int) ([]catalog.Stream, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.Query(selectStreamCols+` FROM streams
		WHERE health_checked_at IS NULL OR next_check_due IS NULL OR next_check_due <= ?
		ORDER BY health_checked_at IS NOT NULL, health_checked_at ASC
		LIMIT ?`, now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStreamHealth records one probe result and its adaptive recheck time.
// health_checked_at is set to the current time.
func (s *Store) UpdateStreamHealth(id string, status catalog.HealthStatus, responseMS int, healthErr string, nextCheckDue time.Time) error {
	res, err := s.db.Exec(`UPDATE streams SET
		health_status = ?, health_checked_at = ?, health_response_ms = ?, health_error = ?, next_check_due = ?
		WHERE id = ?`,
		string(status), now(), responseMS, healthErr, formatTime(nextCheckDue), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// HealthUpdate is one row of the recent-updates feed the UI polls.
type HealthUpdate struct {
	ID         string                `json:"id"`
	ChannelID  string                `json:"channel_id"`
	Status     catalog.HealthStatus  `json:"status"`
	ResponseMS int                   `json:"response_ms"`
	Error      string                `json:"error,omitempty"`
	CheckedAt  time.Time             `json:"checked_at"`
}

// GetRecentHealthUpdates returns probe results from the last sinceSeconds.
func (s *Store) GetRecentHealthUpdates(sinceSeconds int) ([]HealthUpdate, error) {
	if sinceSeconds <= 0 {
		sinceSeconds = 60
	}
	cutoff := formatTime(time.Now().Add(-time.Duration(sinceSeconds) * time.Second))
	rows, err := s.db.Query(`SELECT id, channel_id, health_status, health_response_ms, health_error, health_checked_at
		FROM streams WHERE health_checked_at IS NOT NULL AND health_checked_at >= ?
		ORDER BY health_checked_at DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthUpdate
	for rows.Next() {
		var u HealthUpdate
		var status, checkedAt string
		if err := rows.Scan(&u.ID, &u.ChannelID, &status, &u.ResponseMS, &u.Error, &checkedAt); err != nil {
			return nil, err
		}
		u.Status = catalog.HealthStatus(status)
		if t := parseTime(checkedAt); t != nil {
			u.CheckedAt = *t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetKnownHealthStates returns the health row for every stream that has ever
// been classified, however long ago. Feeds the warm-start snapshot.
func (s *Store) GetKnownHealthStates() ([]HealthUpdate, error) {
	rows, err := s.db.Query(`SELECT id, channel_id, health_status, health_response_ms, health_error, health_checked_at
		FROM streams WHERE health_status != 'unknown'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthUpdate
	for rows.Next() {
		var u HealthUpdate
		var status, checkedAt string
		if err := rows.Scan(&u.ID, &u.ChannelID, &status, &u.ResponseMS, &u.Error, &checkedAt); err != nil {
			return nil, err
		}
		u.Status = catalog.HealthStatus(status)
		if t := parseTime(checkedAt); t != nil {
			u.CheckedAt = *t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// HealthStats aggregates probe state across all streams.
type HealthStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgResponseMS int            `json:"avg_response_ms"`
	DueNow        int            `json:"due_now"`
}

// GetHealthStats returns status counts, mean working latency, and the size
// of the probe backlog.
func (s *Store) GetHealthStats() (*HealthStats, error) {
	stats := &HealthStats{ByStatus: map[string]int{}}
	rows, err := s.db.Query(`SELECT health_status, COUNT(*) FROM streams GROUP BY health_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRow(`SELECT AVG(health_response_ms) FROM streams WHERE health_status = 'working' AND health_response_ms > 0`).Scan(&avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AvgResponseMS = int(avg.Float64)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM streams
		WHERE health_checked_at IS NULL OR next_check_due IS NULL OR next_check_due <= ?`, now()).Scan(&stats.DueNow); err != nil {
		return nil, err
	}
	return stats, nil
}

// StreamStats summarizes the stream table by origin.
type StreamStats struct {
	Total      int            `json:"total"`
	BySource   map[string]int `json:"by_source"`
	ByProvider map[string]int `json:"by_provider"`
	ByCountry  map[string]int `json:"by_country"`
}

func (s *Store) GetStreamStats() (*StreamStats, error) {
	stats := &StreamStats{BySource: map[string]int{}, ByProvider: map[string]int{}, ByCountry: map[string]int{}}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM streams`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	for _, q := range []struct {
		col  string
		dest map[string]int
	}{
		{"source", stats.BySource},
		{"provider", stats.ByProvider},
		{"country", stats.ByCountry},
	} {
		rows, err := s.db.Query(`SELECT ` + q.col + `, COUNT(*) FROM streams WHERE ` + q.col + ` != '' GROUP BY ` + q.col)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k string
			var n int
			if err := rows.Scan(&k, &n); err != nil {
				rows.Close()
				return nil, err
			}
			q.dest[k] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return stats, nil
}

func scanStream(r rowScanner) (catalog.Stream, error) {
	var st catalog.Stream
	var status string
	var checkedAt, nextDue sql.NullString
	if err := r.Scan(&st.ID, &st.ChannelID, &st.FeedID, &st.Title, &st.URL, &st.Referrer,
		&st.UserAgent, &st.Quality, &st.Country, &st.Provider, &st.Source,
		&status, &checkedAt, &st.HealthResponseMS, &st.HealthError, &nextDue); err != nil {
		return st, err
	}
	st.HealthStatus = catalog.HealthStatus(status)
	if checkedAt.Valid {
		st.HealthCheckedAt = parseTime(checkedAt.String)
	}
	if nextDue.Valid {
		st.NextCheckDue = parseTime(nextDue.String)
	}
	return st, nil
}
