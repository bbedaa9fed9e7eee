// Package catalog defines the record types shared by the store, the sync
// client, the importers, and the HTTP layer.
//
// Channels, streams, and logos follow the iptv-org API schema
// (https://iptv-org.github.io/api/); programs follow XMLTV. Streams carry an
// extra block of health columns maintained by the background health worker.
package catalog

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// HealthStatus is the probed liveness classification of a stream.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthWorking HealthStatus = "working"
	HealthWarning HealthStatus = "warning" // alive but suspicious, e.g. geo-blocked 403
	HealthFailed  HealthStatus = "failed"
)

// Channel is one record from the iptv-org channels.json API plus derived
// playability columns maintained by the store after stream mutations.
type Channel struct {
	ID         string   `json:"id"`   // e.g. "ABC.us"
	Name       string   `json:"name"` // e.g. "ABC"
	AltNames   []string `json:"alt_names,omitempty"`
	Network    string   `json:"network,omitempty"`
	Owners     []string `json:"owners,omitempty"`
	Country    string   `json:"country"` // ISO 3166-1 alpha-2, upper-case
	Categories []string `json:"categories,omitempty"`
	IsNSFW     bool     `json:"is_nsfw,omitempty"`
	Launched   string   `json:"launched,omitempty"`
	Closed     string   `json:"closed,omitempty"` // non-empty means the channel stopped broadcasting
	ReplacedBy string   `json:"replaced_by,omitempty"`
	Website    string   `json:"website,omitempty"`

	// Derived: HasStreams == (StreamCount > 0).
	HasStreams  bool `json:"has_streams"`
	StreamCount int  `json:"stream_count"`

	// Hydrated by queries, not persisted on the channel row.
	Streams []Stream `json:"streams,omitempty"`
	Logos   []Logo   `json:"logos,omitempty"`
}

// Stream is a playable URL for a channel. ID is a pure function of
// (URL, ChannelID) so re-imports never duplicate rows.
type Stream struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id,omitempty"`
	FeedID    string `json:"feed_id,omitempty"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Quality   string `json:"quality,omitempty"`
	Country   string `json:"country,omitempty"`  // from the M3U filename
	Provider  string `json:"provider,omitempty"` // from the M3U filename
	Source    string `json:"source,omitempty"`   // "iptv_org" or "m3u_local"

	HealthStatus     HealthStatus `json:"health_status"`
	HealthCheckedAt  *time.Time   `json:"health_checked_at,omitempty"`
	HealthResponseMS int          `json:"health_response_ms,omitempty"`
	HealthError      string       `json:"health_error,omitempty"`
	NextCheckDue     *time.Time   `json:"next_check_due,omitempty"`
}

// Logo is one channel logo variant from logos.json.
type Logo struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id"`
	FeedID    string   `json:"feed_id,omitempty"`
	URL       string   `json:"url"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Format    string   `json:"format,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Program is one XMLTV programme. ChannelID is the id as it appears in the
// XMLTV source; store reads translate catalog channel ids through the saved
// EPG mapping.
type Program struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	SubTitle    string    `json:"sub_title,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"` // UTC
	Stop        time.Time `json:"stop"`  // UTC, always after Start
	Category    string    `json:"category,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Rating      string    `json:"rating,omitempty"`
}

// Category is one entry from categories.json with a locally derived count.
type Category struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ChannelCount int    `json:"channel_count"`
}

// Country is one entry from countries.json with a locally derived count.
type Country struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Languages    []string `json:"languages,omitempty"`
	Flag         string   `json:"flag,omitempty"`
	ChannelCount int      `json:"channel_count"`
}

// Provider is a stream source derived from M3U filenames, e.g. "pluto".
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StreamCount int    `json:"stream_count"`
}

// WatchEvent is one row of a device's watch history.
type WatchEvent struct {
	ChannelID string    `json:"channel_id"`
	StreamID  string    `json:"stream_id,omitempty"`
	Duration  int       `json:"duration_seconds"`
	WatchedAt time.Time `json:"watched_at"`
}

// StreamID derives the stable 12-hex stream id from url + channel id.
func StreamID(url, channelID string) string {
	return digest(url+channelID, 12)
}

// M3UStreamID derives the stable 12-hex id for an M3U-imported stream from
// url + country + provider. The channel id in a playlist is advisory only
// and must not change the identity of the row.
func M3UStreamID(url, country, provider string) string {
	return digest(url+country+provider, 12)
}

// LogoID derives a stable 12-hex id from url + channel id.
func LogoID(url, channelID string) string {
	return digest(url+channelID, 12)
}

// ProgramID derives the stable 16-hex programme id from the XMLTV channel id,
// the raw start attribute, and the title.
func ProgramID(channelID, rawStart, title string) string {
	return digest(channelID+rawStart+title, 16)
}

func digest(s string, n int) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
