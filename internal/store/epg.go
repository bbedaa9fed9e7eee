package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapetech/iptv-gateway/internal/catalog"
)

// mappingKey is the KV entry holding the XMLTV id -> catalog id dictionary.
const mappingKey = "epg_channel_mappings"

// mappingTTL keeps a mapping batch valid for 30 days; the batch mapper
// refreshes it well before then.
const mappingTTL = 30 * 24 * time.Hour

const selectProgramCols = `SELECT id, channel_id, title, sub_title, description, start, stop, category, icon, rating`

// StoreEPGPrograms upserts a batch of programs keyed on id. Rows with
// stop <= start are dropped.
func (s *Store) StoreEPGPrograms(programs []catalog.Program) error {
	if len(programs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO programs
		(id, channel_id, title, sub_title, description, start, stop, category, icon, rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			sub_title = excluded.sub_title,
			description = excluded.description,
			start = excluded.start,
			stop = excluded.stop,
			category = excluded.category,
			icon = excluded.icon,
			rating = excluded.rating`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range programs {
		if p.ID == "" || p.ChannelID == "" || !p.Stop.After(p.Start) {
			continue
		}
		title := p.Title
		if title == "" {
			title = "Unknown"
		}
		if _, err := stmt.Exec(p.ID, p.ChannelID, title, p.SubTitle, p.Description,
			formatTime(p.Start), formatTime(p.Stop), p.Category, p.Icon, p.Rating); err != nil {
			return fmt.Errorf("program %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// StoreEPGChannels records the XMLTV channel side table.
func (s *Store) StoreEPGChannels(names map[string]string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO epg_channels (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, name := range names {
		if id == "" {
			continue
		}
		if _, err := stmt.Exec(id, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEPGForChannel returns the program window [now, now+hours) for a catalog
// channel id, translating through the stored EPG mapping so programs saved
// under an XMLTV id resolve under the catalog id.
func (s *Store) GetEPGForChannel(channelID string, hours int) ([]catalog.Program, error) {
	if hours < 1 {
		hours = 12
	}
	if hours > 168 {
		hours = 168
	}
	ids := s.epgIDsFor(channelID)
	nowT := time.Now().UTC()
	until := nowT.Add(time.Duration(hours) * time.Hour)
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, formatTime(nowT), formatTime(until))
	rows, err := s.db.Query(selectProgramCols+` FROM programs
		WHERE channel_id IN (`+placeholders(len(ids))+`) AND stop > ? AND start < ?
		ORDER BY start ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPrograms(rows)
}

// GetNowPlayingForChannels returns the currently airing program per catalog
// channel id, using one batched query over the translated id set.
func (s *Store) GetNowPlayingForChannels(channelIDs []string) (map[string]catalog.Program, error) {
	if len(channelIDs) == 0 {
		return map[string]catalog.Program{}, nil
	}
	reverse := s.reverseMappings()
	// epg id -> catalog id, so a program row maps back to the caller's key.
	back := make(map[string]string)
	var epgIDs []any
	for _, cid := range channelIDs {
		back[cid] = cid
		epgIDs = append(epgIDs, cid)
		for _, xid := range reverse[cid] {
			back[xid] = cid
			epgIDs = append(epgIDs, xid)
		}
	}
	nowS := now()
	args := append(epgIDs, nowS, nowS)
	rows, err := s.db.Query(selectProgramCols+` FROM programs
		WHERE channel_id IN (`+placeholders(len(epgIDs))+`) AND start <= ? AND stop > ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	programs, err := scanPrograms(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]catalog.Program, len(programs))
	for _, p := range programs {
		cid, ok := back[p.ChannelID]
		if !ok {
			continue
		}
		if _, dup := out[cid]; !dup {
			out[cid] = p
		}
	}
	return out, nil
}

// GetTimeline returns programs for the given catalog channels overlapping
// [start, start+hours), keyed by catalog channel id.
func (s *Store) GetTimeline(channelIDs []string, start time.Time, hours int) (map[string][]catalog.Program, error) {
	if hours < 1 {
		hours = 1
	}
	if hours > 24 {
		hours = 24
	}
	out := make(map[string][]catalog.Program, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}
	reverse := s.reverseMappings()
	until := start.Add(time.Duration(hours) * time.Hour)
	for _, cid := range channelIDs {
		ids := append([]string{cid}, reverse[cid]...)
		args := make([]any, 0, len(ids)+2)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, formatTime(start), formatTime(until))
		rows, err := s.db.Query(selectProgramCols+` FROM programs
			WHERE channel_id IN (`+placeholders(len(ids))+`) AND stop > ? AND start < ?
			ORDER BY start ASC`, args...)
		if err != nil {
			return nil, err
		}
		programs, err := scanPrograms(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[cid] = programs
	}
	return out, nil
}

// GetUniqueEPGChannels returns the distinct XMLTV channel ids present in the
// programs table.
func (s *Store) GetUniqueEPGChannels() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT channel_id FROM programs ORDER BY channel_id`)
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

// StoreEPGMappings atomically replaces the XMLTV id -> catalog id dictionary.
func (s *Store) StoreEPGMappings(mappings map[string]string) error {
	blob, err := json.Marshal(mappings)
	if err != nil {
		return err
	}
	return s.Set(mappingKey, string(blob), mappingTTL)
}

// GetEPGMappings returns the stored mapping dictionary, empty if absent or expired.
func (s *Store) GetEPGMappings() (map[string]string, error) {
	v, err := s.Get(mappingKey)
	if err != nil {
		if err == ErrNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return map[string]string{}, nil
	}
	return m, nil
}

// EPGStats summarizes the guide tables.
type EPGStats struct {
	Programs     int        `json:"programs"`
	EPGChannels  int        `json:"epg_channels"`
	MappedIDs    int        `json:"mapped_ids"`
	WindowStart  *time.Time `json:"window_start,omitempty"`
	WindowEnd    *time.Time `json:"window_end,omitempty"`
}

func (s *Store) GetEPGStats() (*EPGStats, error) {
	stats := &EPGStats{}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM programs`).Scan(&stats.Programs); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT channel_id) FROM programs`).Scan(&stats.EPGChannels); err != nil {
		return nil, err
	}
	var minS, maxS sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(start), MAX(stop) FROM programs`).Scan(&minS, &maxS); err != nil {
		return nil, err
	}
	if minS.Valid {
		stats.WindowStart = parseTime(minS.String)
	}
	if maxS.Valid {
		stats.WindowEnd = parseTime(maxS.String)
	}
	m, err := s.GetEPGMappings()
	if err != nil {
		return nil, err
	}
	stats.MappedIDs = len(m)
	return stats, nil
}

// ClearEPG drops all guide data and the stored mapping.
func (s *Store) ClearEPG() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM programs`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM epg_channels`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cache WHERE key = ?`, mappingKey); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneEPGBefore deletes programs that ended before cutoff. The retention
// window comes from IPTV_EPG_CACHE_DAYS.
func (s *Store) PruneEPGBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM programs WHERE stop < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// epgIDsFor returns the catalog id plus every XMLTV id mapped to it.
func (s *Store) epgIDsFor(channelID string) []string {
	ids := []string{channelID}
	for _, xid := range s.reverseMappings()[channelID] {
		ids = append(ids, xid)
	}
	return ids
}

// reverseMappings inverts the stored XMLTV->catalog dictionary.
func (s *Store) reverseMappings() map[string][]string {
	m, err := s.GetEPGMappings()
	if err != nil {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(m))
	for xid, cid := range m {
		if xid != cid {
			out[cid] = append(out[cid], xid)
		}
	}
	return out
}

func scanPrograms(rows *sql.Rows) ([]catalog.Program, error) {
	var out []catalog.Program
	for rows.Next() {
		var p catalog.Program
		var start, stop string
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.Title, &p.SubTitle, &p.Description,
			&start, &stop, &p.Category, &p.Icon, &p.Rating); err != nil {
			return nil, err
		}
		if t := parseTime(start); t != nil {
			p.Start = *t
		}
		if t := parseTime(stop); t != nil {
			p.Stop = *t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
