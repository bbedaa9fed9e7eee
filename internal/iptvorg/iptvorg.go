// Package iptvorg syncs the public iptv-org JSON catalogs into the store.
package iptvorg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/httpclient"
	"github.com/snapetech/iptv-gateway/internal/importer"
	"github.com/snapetech/iptv-gateway/internal/store"
)

const userAgent = "iptv-gateway/1.0"

// fetchTimeout bounds one endpoint fetch end to end.
const fetchTimeout = 60 * time.Second

// endpoints lists every catalog file the sync pulls, in apply order:
// channels before streams so recompute sees both sides.
var endpoints = []string{
	"channels", "streams", "logos", "categories", "countries",
	"languages", "regions", "guides", "feeds",
}

// ancillary endpoints are not modeled relationally; their raw JSON is cached
// in the KV table and served straight from there.
var ancillary = map[string]bool{
	"languages": true, "regions": true, "guides": true, "feeds": true,
}

type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Store      *store.Store
	StreamsDir string // optional override for the local M3U tree
	CacheTTL   time.Duration
	Log        zerolog.Logger
}

func New(baseURL string, st *store.Store, log zerolog.Logger) *Client {
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		HTTP:     httpclient.WithTimeout(fetchTimeout),
		Store:    st,
		CacheTTL: time.Hour,
		Log:      log,
	}
}

// Sync pulls every endpoint and applies it. Individual endpoint failures are
// logged and skipped; the returned summary maps entity -> applied count.
func (c *Client) Sync(ctx context.Context) (map[string]int, error) {
	summary := make(map[string]int, len(endpoints))
	for _, name := range endpoints {
		n, err := c.syncOne(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			c.Log.Warn().Err(err).Str("endpoint", name).Msg("catalog endpoint failed, skipping")
			continue
		}
		summary[name] = n
	}

	// Local playlists supplement the public catalog.
	if added := c.importLocalM3U(); added > 0 {
		summary["m3u_local"] = added
		if err := c.Store.RecomputeChannelStreamCounts(); err != nil {
			c.Log.Warn().Err(err).Msg("recompute after m3u import failed")
		}
	}
	return summary, nil
}

func (c *Client) syncOne(ctx context.Context, name string) (int, error) {
	body, err := c.fetch(ctx, name)
	if err != nil {
		return 0, err
	}
	if ancillary[name] {
		var raw json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return 0, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := c.Store.Set("iptvorg_"+name, string(raw), c.CacheTTL); err != nil {
			return 0, err
		}
		var count []json.RawMessage
		_ = json.Unmarshal(body, &count)
		return len(count), nil
	}
	switch name {
	case "channels":
		return c.applyChannels(body)
	case "streams":
		return c.applyStreams(body)
	case "logos":
		return c.applyLogos(body)
	case "categories":
		return c.applyCategories(body)
	case "countries":
		return c.applyCountries(body)
	}
	return 0, fmt.Errorf("unknown endpoint %q", name)
}

// fetch GETs <base>/<name>.json with the 60s budget.
func (c *Client) fetch(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	url := c.BaseURL + "/" + name + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}

// Wire DTOs follow the upstream field names, which differ from ours in
// places (streams use "channel"/"feed", logos likewise).

type wireChannel struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	AltNames   []string `json:"alt_names"`
	Network    string   `json:"network"`
	Owners     []string `json:"owners"`
	Country    string   `json:"country"`
	Categories []string `json:"categories"`
	IsNSFW     bool     `json:"is_nsfw"`
	Launched   string   `json:"launched"`
	Closed     string   `json:"closed"`
	ReplacedBy string   `json:"replaced_by"`
	Website    string   `json:"website"`
}

type wireStream struct {
	Channel   string `json:"channel"`
	Feed      string `json:"feed"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"user_agent"`
	Quality   string `json:"quality"`
}

type wireLogo struct {
	Channel string   `json:"channel"`
	Feed    string   `json:"feed"`
	Tags    []string `json:"tags"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Format  string   `json:"format"`
	URL     string   `json:"url"`
}

type wireCategory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type wireCountry struct {
	Name      string   `json:"name"`
	Code      string   `json:"code"`
	Languages []string `json:"languages"`
	Flag      string   `json:"flag"`
}

func (c *Client) applyChannels(body []byte) (int, error) {
	var wire []wireChannel
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decode channels: %w", err)
	}
	batch := make([]catalog.Channel, 0, len(wire))
	for _, w := range wire {
		batch = append(batch, catalog.Channel{
			ID: w.ID, Name: w.Name, AltNames: w.AltNames, Network: w.Network,
			Owners: w.Owners, Country: w.Country, Categories: w.Categories,
			IsNSFW: w.IsNSFW, Launched: w.Launched, Closed: w.Closed,
			ReplacedBy: w.ReplacedBy, Website: w.Website,
		})
	}
	if err := c.Store.UpsertChannels(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (c *Client) applyStreams(body []byte) (int, error) {
	var wire []wireStream
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decode streams: %w", err)
	}
	batch := make([]catalog.Stream, 0, len(wire))
	for _, w := range wire {
		if w.URL == "" {
			continue
		}
		batch = append(batch, catalog.Stream{
			ID:        catalog.StreamID(w.URL, w.Channel),
			ChannelID: w.Channel,
			FeedID:    w.Feed,
			Title:     w.Title,
			URL:       w.URL,
			Referrer:  w.Referrer,
			UserAgent: w.UserAgent,
			Quality:   w.Quality,
			Source:    "iptv_org",
		})
	}
	if err := c.Store.UpsertStreams(batch); err != nil {
		return 0, err
	}
	if err := c.Store.RecomputeChannelStreamCounts(); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (c *Client) applyLogos(body []byte) (int, error) {
	var wire []wireLogo
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decode logos: %w", err)
	}
	batch := make([]catalog.Logo, 0, len(wire))
	for _, w := range wire {
		if w.URL == "" || w.Channel == "" {
			continue
		}
		batch = append(batch, catalog.Logo{
			ID:        catalog.LogoID(w.URL, w.Channel),
			ChannelID: w.Channel,
			FeedID:    w.Feed,
			URL:       w.URL,
			Width:     w.Width,
			Height:    w.Height,
			Format:    w.Format,
			Tags:      w.Tags,
		})
	}
	if err := c.Store.UpsertLogos(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (c *Client) applyCategories(body []byte) (int, error) {
	var wire []wireCategory
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decode categories: %w", err)
	}
	batch := make([]catalog.Category, 0, len(wire))
	for _, w := range wire {
		batch = append(batch, catalog.Category{ID: w.ID, Name: w.Name, Description: w.Description})
	}
	if err := c.Store.StoreCategories(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (c *Client) applyCountries(body []byte) (int, error) {
	var wire []wireCountry
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decode countries: %w", err)
	}
	batch := make([]catalog.Country, 0, len(wire))
	for _, w := range wire {
		batch = append(batch, catalog.Country{Code: w.Code, Name: w.Name, Languages: w.Languages, Flag: w.Flag})
	}
	if err := c.Store.StoreCountries(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// wellKnownStreamDirs is probed in order when no explicit dir is configured.
var wellKnownStreamDirs = []string{"iptv/streams", "data/streams", "streams"}

// ResolveStreamsDir returns the local M3U tree to import from: the override
// when set, otherwise the first well-known directory that exists.
func ResolveStreamsDir(override string) (string, bool) {
	dirs := wellKnownStreamDirs
	if override != "" {
		dirs = []string{override}
	}
	for _, dir := range dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// importLocalM3U imports playlists from the first stream directory that
// exists. Returns the number of streams imported, 0 when there is none.
func (c *Client) importLocalM3U() int {
	dir, ok := ResolveStreamsDir(c.StreamsDir)
	if !ok {
		return 0
	}
	n, err := importer.ImportM3UDir(c.Store, dir, nil)
	if err != nil {
		c.Log.Warn().Err(err).Str("dir", dir).Msg("m3u import failed")
		return 0
	}
	c.Log.Info().Str("dir", dir).Int("streams", n).Msg("imported local playlists")
	return n
}

// CachedAncillary returns the raw cached JSON for one ancillary endpoint
// (languages, regions, guides, feeds), or store.ErrNotFound.
func (c *Client) CachedAncillary(name string) (string, error) {
	return c.Store.Get("iptvorg_" + name)
}
