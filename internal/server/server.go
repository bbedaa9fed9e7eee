// Package server wires the HTTP API: catalog reads, the stream proxy, EPG,
// per-device user data, and the admin sync trigger.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/config"
	"github.com/snapetech/iptv-gateway/internal/health"
	"github.com/snapetech/iptv-gateway/internal/iptvorg"
	"github.com/snapetech/iptv-gateway/internal/proxy"
	"github.com/snapetech/iptv-gateway/internal/store"
)

const version = "1.0.0"

type Server struct {
	Cfg     *config.Config
	Store   *store.Store
	Proxy   *proxy.Proxy
	Catalog *iptvorg.Client
	Worker  *health.Worker // nil when the health worker is disabled
	Log     zerolog.Logger
}

func New(cfg *config.Config, st *store.Store, px *proxy.Proxy, cat *iptvorg.Client, worker *health.Worker, log zerolog.Logger) *Server {
	return &Server{
		Cfg:     cfg,
		Store:   st,
		Proxy:   px,
		Catalog: cat,
		Worker:  worker,
		Log:     log,
	}
}

// Router builds the full route tree with middleware applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.Log))
	r.Use(corsMiddleware(s.Cfg.CORSOrigins))
	r.Use(metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(rateLimit(s.Cfg.RateLimitPerMinute))

		api.Get("/health", s.handleHealth)
		api.Get("/stats", s.handleStats)

		api.Get("/channels", s.handleChannels)
		api.Get("/channels/{id}", s.handleChannelByID)
		api.Get("/categories", s.handleCategories)
		api.Get("/countries", s.handleCountries)
		api.Get("/providers", s.handleProviders)
		api.Get("/languages", s.handleAncillary("languages"))
		api.Get("/regions", s.handleAncillary("regions"))

		api.Post("/sync", s.handleSync)

		api.Route("/streams", func(sr chi.Router) {
			sr.Get("/stats", s.handleStreamStats)
			sr.Get("/health-updates", s.handleHealthUpdates)
			sr.Get("/health-stats", s.handleHealthStats)
			sr.Get("/health-worker", s.handleHealthWorker)
			sr.Post("/import/m3u", s.handleImportM3U)

			sr.Route("/{id}", func(one chi.Router) {
				one.Use(rateLimit(s.Cfg.StreamRateLimitPerMinute))
				one.Get("/play.m3u8", func(w http.ResponseWriter, r *http.Request) {
					s.Proxy.HandlePlay(w, r, chi.URLParam(r, "id"))
				})
				one.Get("/segment/{encoded}", func(w http.ResponseWriter, r *http.Request) {
					s.Proxy.HandleSegment(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "encoded"))
				})
				one.Get("/local/{filename}", func(w http.ResponseWriter, r *http.Request) {
					s.Proxy.HandleLocal(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "filename"))
				})
				one.Get("/status", func(w http.ResponseWriter, r *http.Request) {
					s.Proxy.HandleStatus(w, r, chi.URLParam(r, "id"))
				})
			})
		})

		api.Route("/epg", func(er chi.Router) {
			er.Get("/stats", s.handleEPGStats)
			er.Get("/channel/{id}", s.handleEPGChannel)
			er.Get("/now/playing", s.handleNowPlaying)
			er.Get("/timeline", s.handleTimeline)
			er.Post("/import", s.handleEPGImport)
			er.Post("/map", s.handleEPGMap)
			er.Delete("/clear", s.handleEPGClear)
		})

		api.Route("/user", func(ur chi.Router) {
			ur.Get("/favorites", s.handleGetFavorites)
			ur.Get("/favorites/{channelID}", s.handleCheckFavorite)
			ur.Post("/favorites/{channelID}", s.handleAddFavorite)
			ur.Delete("/favorites/{channelID}", s.handleRemoveFavorite)
			ur.Post("/watch", s.handleRecordWatch)
			ur.Get("/history", s.handleHistory)
			ur.Get("/popular", s.handlePopular)
			ur.Get("/recent", s.handleRecent)
			ur.Get("/export", s.handleUserExport)
			ur.Post("/import", s.handleUserImport)
		})
	})

	return r
}

// rateLimit is a sliding-window per-IP limiter.
func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 100
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"detail":"rate limit exceeded"}`))
		}),
	)
}
