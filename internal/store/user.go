package store

import (
	"time"

	"github.com/snapetech/iptv-gateway/internal/catalog"
)

// Per-device personalization. Devices identify themselves with an opaque
// X-Device-ID header; there are no accounts.

// AddFavorite marks a channel as a favorite for a device. Idempotent.
func (s *Store) AddFavorite(deviceID, channelID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO favorites (device_id, channel_id, created_at) VALUES (?, ?, ?)`,
		deviceID, channelID, now())
	return err
}

// RemoveFavorite unmarks a favorite. Removing a non-favorite is a no-op.
func (s *Store) RemoveFavorite(deviceID, channelID string) error {
	_, err := s.db.Exec(`DELETE FROM favorites WHERE device_id = ? AND channel_id = ?`, deviceID, channelID)
	return err
}

// IsFavorite reports whether the device has favorited the channel.
func (s *Store) IsFavorite(deviceID, channelID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM favorites WHERE device_id = ? AND channel_id = ?`,
		deviceID, channelID).Scan(&n)
	return n > 0, err
}

// GetFavorites returns the device's favorited channel ids, newest first.
func (s *Store) GetFavorites(deviceID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT channel_id FROM favorites WHERE device_id = ? ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordWatch appends one watch event to the device's history.
func (s *Store) RecordWatch(deviceID, channelID, streamID string, durationSeconds int) error {
	_, err := s.db.Exec(`INSERT INTO watch_history (device_id, channel_id, stream_id, duration_seconds, watched_at)
		VALUES (?, ?, ?, ?, ?)`, deviceID, channelID, streamID, durationSeconds, now())
	return err
}

// GetWatchHistory returns the device's most recent watch events.
func (s *Store) GetWatchHistory(deviceID string, limit int) ([]catalog.WatchEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT channel_id, stream_id, duration_seconds, watched_at
		FROM watch_history WHERE device_id = ? ORDER BY watched_at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.WatchEvent
	for rows.Next() {
		var e catalog.WatchEvent
		var watched string
		if err := rows.Scan(&e.ChannelID, &e.StreamID, &e.Duration, &watched); err != nil {
			return nil, err
		}
		if t := parseTime(watched); t != nil {
			e.WatchedAt = *t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PopularChannel is one row of the cross-device popularity ranking.
type PopularChannel struct {
	ChannelID  string `json:"channel_id"`
	WatchCount int    `json:"watch_count"`
	TotalSecs  int    `json:"total_seconds"`
}

// GetPopularChannels ranks channels by watch events across all devices over
// the trailing window.
func (s *Store) GetPopularChannels(window time.Duration, limit int) ([]PopularChannel, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	cutoff := formatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`SELECT channel_id, COUNT(*), COALESCE(SUM(duration_seconds), 0)
		FROM watch_history WHERE watched_at >= ?
		GROUP BY channel_id ORDER BY COUNT(*) DESC, SUM(duration_seconds) DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PopularChannel
	for rows.Next() {
		var p PopularChannel
		if err := rows.Scan(&p.ChannelID, &p.WatchCount, &p.TotalSecs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRecentChannels returns the device's distinct recently watched channels.
func (s *Store) GetRecentChannels(deviceID string, limit int) ([]string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT channel_id FROM watch_history WHERE device_id = ?
		GROUP BY channel_id ORDER BY MAX(watched_at) DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UserExport bundles a device's data for backup or migration.
type UserExport struct {
	DeviceID  string               `json:"device_id"`
	Favorites []string             `json:"favorites"`
	History   []catalog.WatchEvent `json:"history"`
}

// ExportUserData returns everything stored for a device.
func (s *Store) ExportUserData(deviceID string) (*UserExport, error) {
	favs, err := s.GetFavorites(deviceID)
	if err != nil {
		return nil, err
	}
	hist, err := s.GetWatchHistory(deviceID, 200)
	if err != nil {
		return nil, err
	}
	return &UserExport{DeviceID: deviceID, Favorites: favs, History: hist}, nil
}

// ImportUserData merges exported data into a device's records.
func (s *Store) ImportUserData(deviceID string, data *UserExport) error {
	for _, cid := range data.Favorites {
		if err := s.AddFavorite(deviceID, cid); err != nil {
			return err
		}
	}
	for _, e := range data.History {
		watched := e.WatchedAt
		if watched.IsZero() {
			watched = time.Now()
		}
		if _, err := s.db.Exec(`INSERT INTO watch_history (device_id, channel_id, stream_id, duration_seconds, watched_at)
			VALUES (?, ?, ?, ?, ?)`, deviceID, e.ChannelID, e.StreamID, e.Duration, formatTime(watched)); err != nil {
			return err
		}
	}
	return nil
}
