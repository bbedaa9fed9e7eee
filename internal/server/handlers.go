package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/epgmap"
	"github.com/snapetech/iptv-gateway/internal/importer"
	"github.com/snapetech/iptv-gateway/internal/iptvorg"
	"github.com/snapetech/iptv-gateway/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key, def string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		v = def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		n, _ = strconv.Atoi(def)
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, channels, err := s.Store.GetChannels(store.ChannelFilters{}, 1, 1)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	streams, err := s.Store.GetStreamStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	epg, err := s.Store.GetEPGStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	hs, err := s.Store.GetHealthStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"streams":  streams,
		"epg":      epg,
		"health":   hs,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := store.ChannelFilters{
		Country:      q.Get("country"),
		Category:     q.Get("category"),
		Provider:     q.Get("provider"),
		Search:       q.Get("search"),
		PlayableOnly: true,
	}
	if v := strings.ToLower(q.Get("playable_only")); v == "false" || v == "0" {
		filters.PlayableOnly = false
	}
	page := queryInt(r, "page", "1")
	perPage := queryInt(r, "per_page", "50")
	channels, total, err := s.Store.GetChannels(filters, page, perPage)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"channels": channels,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	}
	if v := strings.ToLower(q.Get("include_epg")); v == "true" || v == "1" {
		ids := make([]string, len(channels))
		for i, c := range channels {
			ids[i] = c.ID
		}
		nowPlaying, err := s.Store.GetNowPlayingForChannels(ids)
		if err == nil {
			resp["now_playing"] = nowPlaying
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannelByID(w http.ResponseWriter, r *http.Request) {
	ch, err := s.Store.GetChannelByID(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "channel not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.Store.GetCategories()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.Store.GetCountries()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": countries})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.Store.GetProviders()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// handleAncillary serves the raw cached iptv-org JSON for endpoints that are
// not modeled relationally. An empty cache reads as an empty list.
func (s *Server) handleAncillary(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := s.Catalog.CachedAncillary(name)
		if err != nil {
			raw = "[]"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(raw))
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	key := s.Cfg.AdminAPIKey
	given := r.Header.Get("X-Admin-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(given)) != 1 {
		writeErr(w, http.StatusUnauthorized, "invalid admin key")
		return
	}
	summary, err := s.Catalog.Sync(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": summary})
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetStreamStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthUpdates(w http.ResponseWriter, r *http.Request) {
	since := queryInt(r, "since", "60")
	updates, err := s.Store.GetRecentHealthUpdates(since)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "since_seconds": since})
}

func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetHealthStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthWorker(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.Worker.Status())
}

func (s *Server) handleImportM3U(w http.ResponseWriter, r *http.Request) {
	var countries []string
	if raw := r.URL.Query().Get("countries"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				countries = append(countries, c)
			}
		}
	}
	dir, ok := iptvorg.ResolveStreamsDir(s.Cfg.StreamsDir)
	if !ok {
		writeErr(w, http.StatusBadRequest, "no local streams directory found")
		return
	}
	n, err := importer.ImportM3UDir(s.Store, dir, countries)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Store.RecomputeChannelStreamCounts(); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": n, "dir": dir})
}

func (s *Server) handleEPGStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetEPGStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEPGChannel(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", "12")
	programs, err := s.Store.GetEPGForChannel(chi.URLParam(r, "id"), hours)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs, "hours": hours})
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", "50")
	if limit < 1 || limit > 100 {
		limit = 50
	}
	channels, _, err := s.Store.GetChannels(store.ChannelFilters{PlayableOnly: true}, 1, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, len(channels))
	for i, c := range channels {
		ids[i] = c.ID
	}
	nowPlaying, err := s.Store.GetNowPlayingForChannels(ids)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"now_playing": nowPlaying, "count": len(nowPlaying)})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("channels")
	if raw == "" {
		writeErr(w, http.StatusBadRequest, "channels parameter is required")
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeErr(w, http.StatusBadRequest, "channels parameter is required")
		return
	}
	start := time.Now().UTC()
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = t.UTC()
	}
	hours := queryInt(r, "hours", "6")
	timeline, err := s.Store.GetTimeline(ids, start, hours)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": timeline, "start": start, "hours": hours})
}

func (s *Server) handleEPGImport(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeErr(w, http.StatusBadRequest, "filename parameter is required")
		return
	}
	if filepath.Base(filename) != filename {
		writeErr(w, http.StatusBadRequest, "filename must not contain path separators")
		return
	}
	f, err := os.Open(filepath.Join(s.Cfg.DataDir, filename))
	if err != nil {
		writeErr(w, http.StatusNotFound, "guide file not found")
		return
	}
	defer f.Close()
	result, err := importer.ImportXMLTV(s.Store, f)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	// Refresh the id mapping so new guide channels resolve immediately.
	mapping, err := epgmap.MapAll(s.Store, s.Log)
	if err != nil {
		s.Log.Warn().Err(err).Msg("mapping after guide import failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"import": result, "mapping": mapping})
}

func (s *Server) handleEPGMap(w http.ResponseWriter, r *http.Request) {
	result, err := epgmap.MapAll(s.Store, s.Log)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEPGClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.ClearEPG(); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// deviceID scopes user data; there are no accounts, just a client-chosen id.
func deviceID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	favs, err := s.Store.GetFavorites(dev)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"favorites": favs})
}

func (s *Server) handleCheckFavorite(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	fav, err := s.Store.IsFavorite(dev, chi.URLParam(r, "channelID"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"favorite": fav})
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	if err := s.Store.AddFavorite(dev, chi.URLParam(r, "channelID")); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	if err := s.Store.RemoveFavorite(dev, chi.URLParam(r, "channelID")); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRecordWatch(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	var body struct {
		ChannelID string `json:"channel_id"`
		StreamID  string `json:"stream_id"`
		Duration  int    `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChannelID == "" {
		writeErr(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if err := s.Store.RecordWatch(dev, body.ChannelID, body.StreamID, body.Duration); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	limit := queryInt(r, "limit", "50")
	hist, err := s.Store.GetWatchHistory(dev, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []catalog.WatchEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}

// handlePopular aggregates across all devices, so no X-Device-ID needed.
func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", "168")
	limit := queryInt(r, "limit", "20")
	popular, err := s.Store.GetPopularChannels(time.Duration(hours)*time.Hour, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if popular == nil {
		popular = []store.PopularChannel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"popular": popular})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	limit := queryInt(r, "limit", "20")
	recent, err := s.Store.GetRecentChannels(dev, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recent == nil {
		recent = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent": recent})
}

func (s *Server) handleUserExport(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	export, err := s.Store.ExportUserData(dev)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleUserImport(w http.ResponseWriter, r *http.Request) {
	dev := deviceID(r)
	if dev == "" {
		writeErr(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}
	var data store.UserExport
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeErr(w, http.StatusBadRequest, "request body must be a user export")
		return
	}
	if err := s.Store.ImportUserData(dev, &data); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "imported",
		"favorites": len(data.Favorites),
		"history":   len(data.History),
	})
}
