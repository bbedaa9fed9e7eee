// Package epgmap resolves XMLTV channel ids (ABC.us@East, KACVDT1.us@SD) to
// catalog channel ids (ABC.us, KACV.us). Strategies run in order; the first
// hit wins, fuzzy name similarity is the last resort.
package epgmap

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/store"
)

const (
	// DefaultThreshold gates single-id fuzzy matches; batch runs use the
	// stricter BatchThreshold.
	DefaultThreshold = 0.75
	BatchThreshold   = 0.8

	// countryBoost rewards candidates whose id carries the XMLTV id's country.
	countryBoost = 0.10
)

// suffixRe strips trailing quality tokens from display names before matching.
var suffixRe = regexp.MustCompile(`(?i)[\s\-_]*(hd|sd|4k|fhd|uhd|\d+p)$`)

// nonAlnumRe reduces names to their alphanumeric skeleton.
var nonAlnumRe = regexp.MustCompile(`[^a-z0-9 ]+`)

var spaceRe = regexp.MustCompile(`\s+`)

// dtRe strips an ATSC-style subchannel suffix (KACVDT1 -> KACV).
var dtRe = regexp.MustCompile(`(?i)(DT\d?|HD|SD)$`)

// Mapper holds the catalog-side indexes. Build once per mapping run; the
// catalog changes only on sync.
type Mapper struct {
	ids      map[string]bool   // exact catalog ids
	byName   map[string]string // normalized name/alt-name/id-prefix -> id
	names    []string          // sorted keys of byName, for deterministic fuzzy iteration
	log      zerolog.Logger
}

// NewMapper builds the matching indexes from the current catalog.
func NewMapper(channels []store.ChannelName, log zerolog.Logger) *Mapper {
	m := &Mapper{
		ids:    make(map[string]bool, len(channels)),
		byName: make(map[string]string, len(channels)*2),
		log:    log,
	}
	add := func(key, id string) {
		if key == "" {
			return
		}
		if _, taken := m.byName[key]; !taken {
			m.byName[key] = id
		}
	}
	for _, c := range channels {
		m.ids[c.ID] = true
		add(Normalize(c.Name), c.ID)
		for _, alt := range c.AltNames {
			add(Normalize(alt), c.ID)
		}
		// The id prefix before the first dot is itself a usable name
		// (ABC.us -> abc).
		if i := strings.Index(c.ID, "."); i > 0 {
			add(Normalize(c.ID[:i]), c.ID)
		}
	}
	m.names = make([]string, 0, len(m.byName))
	for k := range m.byName {
		m.names = append(m.names, k)
	}
	sort.Strings(m.names)
	return m
}

// Normalize lowercases, strips trailing quality tokens, removes
// non-alphanumerics, and collapses runs of spaces.
func Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for {
		stripped := suffixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Result carries one resolution and how it was found.
type Result struct {
	CatalogID string
	Fuzzy     bool
}

// Map resolves one XMLTV id. useFuzzy enables strategy 5 with the given
// threshold (pass 0 for DefaultThreshold). Returns ok=false when nothing
// matches.
func (m *Mapper) Map(xmltvID string, useFuzzy bool, threshold float64) (Result, bool) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	// 1. Direct equality.
	if m.ids[xmltvID] {
		return Result{CatalogID: xmltvID}, true
	}

	// 2. Drop the @feed suffix.
	base := xmltvID
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	if m.ids[base] {
		return Result{CatalogID: base}, true
	}

	namePart, country := splitID(base)

	// 3. Normalized-name lookup.
	if id, ok := m.byName[Normalize(namePart)]; ok {
		return Result{CatalogID: id}, true
	}

	// 4. Strip an ATSC subchannel suffix and retry the exact id.
	if stripped := dtRe.ReplaceAllString(namePart, ""); stripped != namePart && stripped != "" {
		candidate := stripped
		if country != "" {
			candidate += "." + country
		}
		if m.ids[candidate] {
			return Result{CatalogID: candidate}, true
		}
		if id, ok := m.byName[Normalize(stripped)]; ok {
			return Result{CatalogID: id}, true
		}
	}

	// 5. Fuzzy similarity over the name index.
	if useFuzzy {
		if id, ok := m.fuzzy(Normalize(namePart), country, threshold); ok {
			return Result{CatalogID: id, Fuzzy: true}, true
		}
	}
	return Result{}, false
}

// fuzzy scores every indexed name; the highest score above threshold wins,
// ties going to the first candidate seen.
func (m *Mapper) fuzzy(normName, country string, threshold float64) (string, bool) {
	if normName == "" {
		return "", false
	}
	bestID := ""
	bestScore := 0.0
	for _, key := range m.names {
		score := Ratio(normName, key)
		if country != "" && strings.Contains(strings.ToLower(m.byName[key]), "."+country) {
			score += countryBoost
		}
		if score > bestScore {
			bestScore = score
			bestID = m.byName[key]
		}
	}
	if bestScore >= threshold && bestID != "" {
		return bestID, true
	}
	return "", false
}

// splitID separates `KACVDT1.us` into ("KACVDT1", "us"). Only a trailing
// two-letter component counts as a country.
func splitID(id string) (name, country string) {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return id, ""
	}
	suffix := id[i+1:]
	if len(suffix) == 2 {
		return id[:i], strings.ToLower(suffix)
	}
	return id, ""
}

// BatchResult summarizes one full mapping run.
type BatchResult struct {
	Total          int      `json:"total"`
	Mapped         int      `json:"mapped"`
	FuzzyMatched   int      `json:"fuzzy_matched"`
	Unmapped       int      `json:"unmapped"`
	MappingRate    float64  `json:"mapping_rate"`
	SampleUnmapped []string `json:"sample_unmapped"`
}

// MapAll resolves every distinct XMLTV channel id in the store and saves the
// resulting dictionary atomically.
func MapAll(st *store.Store, log zerolog.Logger) (*BatchResult, error) {
	channels, err := st.GetAllChannelNames()
	if err != nil {
		return nil, err
	}
	xmltvIDs, err := st.GetUniqueEPGChannels()
	if err != nil {
		return nil, err
	}
	m := NewMapper(channels, log)

	res := &BatchResult{Total: len(xmltvIDs)}
	mapping := make(map[string]string)
	for _, xid := range xmltvIDs {
		r, ok := m.Map(xid, true, BatchThreshold)
		if !ok {
			res.Unmapped++
			if len(res.SampleUnmapped) < 10 {
				res.SampleUnmapped = append(res.SampleUnmapped, xid)
			}
			continue
		}
		mapping[xid] = r.CatalogID
		res.Mapped++
		if r.Fuzzy {
			res.FuzzyMatched++
		}
	}
	if res.Total > 0 {
		res.MappingRate = float64(res.Mapped) / float64(res.Total)
	}
	if err := st.StoreEPGMappings(mapping); err != nil {
		return nil, err
	}
	log.Info().Int("total", res.Total).Int("mapped", res.Mapped).
		Int("fuzzy", res.FuzzyMatched).Int("unmapped", res.Unmapped).
		Msg("epg mapping complete")
	return res, nil
}
