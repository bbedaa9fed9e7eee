package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/snapetech/iptv-gateway/internal/catalog"
)

// UpsertChannels writes a batch of channels keyed on id. Rows not in the
// batch persist unchanged; derived playability columns are never touched here.
func (s *Store) UpsertChannels(channels []catalog.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO channels
		(id, name, alt_names, network, owners, country, is_nsfw, launched, closed, replaced_by, website, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			alt_names = excluded.alt_names,
			network = excluded.network,
			owners = excluded.owners,
			country = excluded.country,
			is_nsfw = excluded.is_nsfw,
			launched = excluded.launched,
			closed = excluded.closed,
			replaced_by = excluded.replaced_by,
			website = excluded.website,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	catDel, err := tx.Prepare(`DELETE FROM channel_categories WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	defer catDel.Close()
	catIns, err := tx.Prepare(`INSERT OR IGNORE INTO channel_categories (channel_id, category) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer catIns.Close()

	ts := now()
	for _, c := range channels {
		if c.ID == "" {
			continue
		}
		if _, err := stmt.Exec(c.ID, c.Name, joinList(c.AltNames), c.Network, joinList(c.Owners),
			strings.ToUpper(c.Country), boolInt(c.IsNSFW), c.Launched, c.Closed, c.ReplacedBy, c.Website, ts); err != nil {
			return fmt.Errorf("channel %s: %w", c.ID, err)
		}
		if _, err := catDel.Exec(c.ID); err != nil {
			return err
		}
		for _, cat := range c.Categories {
			if _, err := catIns.Exec(c.ID, strings.ToLower(cat)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RecomputeChannelStreamCounts rederives has_streams and stream_count for
// every channel from the streams table in one pass. Call after any stream
// mutation that could change playability.
func (s *Store) RecomputeChannelStreamCounts() error {
	_, err := s.db.Exec(`UPDATE channels SET
		stream_count = COALESCE((SELECT COUNT(*) FROM streams WHERE streams.channel_id = channels.id), 0),
		has_streams = EXISTS(SELECT 1 FROM streams WHERE streams.channel_id = channels.id)`)
	return err
}

// ChannelFilters narrows GetChannels. Zero values mean "no filter".
// PlayableOnly defaults true at the HTTP layer.
type ChannelFilters struct {
	Country      string
	Category     string
	Provider     string
	Search       string
	PlayableOnly bool
}

// GetChannels returns one page of channels matching filters, name-ascending,
// plus the unpaginated total. Each returned channel carries its streams
// (health columns included) and logos, hydrated with one batched query each.
func (s *Store) GetChannels(f ChannelFilters, page, perPage int) ([]catalog.Channel, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	if perPage > 100 {
		perPage = 100
	}

	var conds []string
	var args []any
	if f.Country != "" {
		conds = append(conds, "country = ?")
		args = append(args, strings.ToUpper(f.Country))
	}
	if f.Category != "" {
		conds = append(conds, "EXISTS(SELECT 1 FROM channel_categories cc WHERE cc.channel_id = channels.id AND cc.category LIKE ?)")
		args = append(args, "%"+strings.ToLower(f.Category)+"%")
	}
	if f.Provider != "" {
		conds = append(conds, "EXISTS(SELECT 1 FROM streams st WHERE st.channel_id = channels.id AND st.provider LIKE ?)")
		args = append(args, "%"+strings.ToLower(f.Provider)+"%")
	}
	if f.Search != "" {
		conds = append(conds, "(name LIKE ? OR alt_names LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	if f.PlayableOnly {
		conds = append(conds, "has_streams = 1", "closed = ''")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM channels"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, name, alt_names, network, owners, country, is_nsfw, launched, closed, replaced_by, website, has_streams, stream_count
		FROM channels` + where + ` ORDER BY name ASC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []catalog.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.hydrateChannels(out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetChannelByID returns one channel with streams and logos hydrated.
func (s *Store) GetChannelByID(id string) (*catalog.Channel, error) {
	row := s.db.QueryRow(`SELECT id, name, alt_names, network, owners, country, is_nsfw, launched, closed, replaced_by, website, has_streams, stream_count
		FROM channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chans := []catalog.Channel{c}
	if err := s.hydrateChannels(chans); err != nil {
		return nil, err
	}
	return &chans[0], nil
}

// ChannelName is the minimal projection the EPG mapper indexes.
type ChannelName struct {
	ID       string
	Name     string
	AltNames []string
	Country  string
}

// GetAllChannelNames returns id/name/alt_names/country for every channel.
func (s *Store) GetAllChannelNames() ([]ChannelName, error) {
	rows, err := s.db.Query(`SELECT id, name, alt_names, country FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelName
	for rows.Next() {
		var c ChannelName
		var alt string
		if err := rows.Scan(&c.ID, &c.Name, &alt, &c.Country); err != nil {
			return nil, err
		}
		c.AltNames = splitList(alt)
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (catalog.Channel, error) {
	var c catalog.Channel
	var alt, owners string
	var nsfw, hasStreams int
	if err := r.Scan(&c.ID, &c.Name, &alt, &c.Network, &owners, &c.Country, &nsfw,
		&c.Launched, &c.Closed, &c.ReplacedBy, &c.Website, &hasStreams, &c.StreamCount); err != nil {
		return c, err
	}
	c.AltNames = splitList(alt)
	c.Owners = splitList(owners)
	c.IsNSFW = nsfw != 0
	c.HasStreams = hasStreams != 0
	return c, nil
}

// hydrateChannels fills Categories, Streams, and Logos for the given
// channels using batched IN queries.
func (s *Store) hydrateChannels(channels []catalog.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	ids := make([]any, len(channels))
	byID := make(map[string]*catalog.Channel, len(channels))
	for i := range channels {
		ids[i] = channels[i].ID
		byID[channels[i].ID] = &channels[i]
	}
	ph := placeholders(len(ids))

	catRows, err := s.db.Query(`SELECT channel_id, category FROM channel_categories WHERE channel_id IN (`+ph+`) ORDER BY category`, ids...)
	if err != nil {
		return err
	}
	defer catRows.Close()
	for catRows.Next() {
		var cid, cat string
		if err := catRows.Scan(&cid, &cat); err != nil {
			return err
		}
		if c := byID[cid]; c != nil {
			c.Categories = append(c.Categories, cat)
		}
	}
	if err := catRows.Err(); err != nil {
		return err
	}

	streamRows, err := s.db.Query(selectStreamCols+` FROM streams WHERE channel_id IN (`+ph+`) ORDER BY quality DESC`, ids...)
	if err != nil {
		return err
	}
	defer streamRows.Close()
	for streamRows.Next() {
		st, err := scanStream(streamRows)
		if err != nil {
			return err
		}
		if c := byID[st.ChannelID]; c != nil {
			c.Streams = append(c.Streams, st)
		}
	}
	if err := streamRows.Err(); err != nil {
		return err
	}

	logoRows, err := s.db.Query(`SELECT id, channel_id, feed_id, url, width, height, format, tags FROM logos WHERE channel_id IN (`+ph+`)`, ids...)
	if err != nil {
		return err
	}
	defer logoRows.Close()
	for logoRows.Next() {
		var l catalog.Logo
		var tags string
		if err := logoRows.Scan(&l.ID, &l.ChannelID, &l.FeedID, &l.URL, &l.Width, &l.Height, &l.Format, &tags); err != nil {
			return err
		}
		l.Tags = splitList(tags)
		if c := byID[l.ChannelID]; c != nil {
			c.Logos = append(c.Logos, l)
		}
	}
	return logoRows.Err()
}

// UpsertLogos writes a batch of logos keyed on derived id.
func (s *Store) UpsertLogos(logos []catalog.Logo) error {
	if len(logos) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO logos (id, channel_id, feed_id, url, width, height, format, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			feed_id = excluded.feed_id, width = excluded.width, height = excluded.height,
			format = excluded.format, tags = excluded.tags`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, l := range logos {
		if l.URL == "" || l.ChannelID == "" {
			continue
		}
		id := l.ID
		if id == "" {
			id = catalog.LogoID(l.URL, l.ChannelID)
		}
		if _, err := stmt.Exec(id, l.ChannelID, l.FeedID, l.URL, l.Width, l.Height, l.Format, joinList(l.Tags)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLogosForChannel returns all logo variants for a channel.
func (s *Store) GetLogosForChannel(channelID string) ([]catalog.Logo, error) {
	rows, err := s.db.Query(`SELECT id, channel_id, feed_id, url, width, height, format, tags FROM logos WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Logo
	for rows.Next() {
		var l catalog.Logo
		var tags string
		if err := rows.Scan(&l.ID, &l.ChannelID, &l.FeedID, &l.URL, &l.Width, &l.Height, &l.Format, &tags); err != nil {
			return nil, err
		}
		l.Tags = splitList(tags)
		out = append(out, l)
	}
	return out, rows.Err()
}

// StoreCategories replaces the categories reference table.
func (s *Store) StoreCategories(cats []catalog.Category) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO categories (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range cats {
		if c.ID == "" {
			continue
		}
		if _, err := stmt.Exec(strings.ToLower(c.ID), c.Name, c.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCategories returns the reference table with live channel counts.
func (s *Store) GetCategories() ([]catalog.Category, error) {
	rows, err := s.db.Query(`SELECT c.id, c.name, c.description,
		(SELECT COUNT(*) FROM channel_categories cc WHERE cc.category = c.id) AS cnt
		FROM categories c ORDER BY c.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Category
	for rows.Next() {
		var c catalog.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ChannelCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoreCountries replaces the countries reference table.
func (s *Store) StoreCountries(countries []catalog.Country) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO countries (code, name, languages, flag) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, languages = excluded.languages, flag = excluded.flag`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range countries {
		if c.Code == "" {
			continue
		}
		if _, err := stmt.Exec(strings.ToUpper(c.Code), c.Name, joinList(c.Languages), c.Flag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCountries returns the reference table with live channel counts.
func (s *Store) GetCountries() ([]catalog.Country, error) {
	rows, err := s.db.Query(`SELECT c.code, c.name, c.languages, c.flag,
		(SELECT COUNT(*) FROM channels ch WHERE ch.country = c.code) AS cnt
		FROM countries c ORDER BY c.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Country
	for rows.Next() {
		var c catalog.Country
		var langs string
		if err := rows.Scan(&c.Code, &c.Name, &langs, &c.Flag, &c.ChannelCount); err != nil {
			return nil, err
		}
		c.Languages = splitList(langs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetProviders derives the provider list from imported streams.
func (s *Store) GetProviders() ([]catalog.Provider, error) {
	rows, err := s.db.Query(`SELECT provider, COUNT(*) FROM streams WHERE provider != '' GROUP BY provider ORDER BY provider ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Provider
	for rows.Next() {
		var p catalog.Provider
		if err := rows.Scan(&p.ID, &p.StreamCount); err != nil {
			return nil, err
		}
		p.Name = titleCase(p.ID)
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
