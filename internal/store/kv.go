package store

import (
	"database/sql"
	"time"
)

// Get returns the cached value for key, or ErrNotFound if absent or expired.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM cache WHERE key = ? AND expires_at > ?`, key, now()).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value under key with the given TTL, replacing any prior entry.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := formatTime(time.Now().Add(ttl))
	_, err := s.db.Exec(`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	return err
}

// ClearExpired removes entries past their expiry and reports how many went.
func (s *Store) ClearExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache WHERE expires_at <= ?`, now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
