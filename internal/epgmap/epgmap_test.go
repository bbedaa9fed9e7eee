package epgmap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/store"
)

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	return NewMapper([]store.ChannelName{
		{ID: "ABC.us", Name: "ABC", Country: "US"},
		{ID: "KACV.us", Name: "KACV", Country: "US"},
		{ID: "BBCOne.uk", Name: "BBC One", AltNames: []string{"BBC 1"}, Country: "UK"},
		{ID: "CNA.sg", Name: "Channel NewsAsia", Country: "SG"},
	}, zerolog.Nop())
}

func TestMap_direct(t *testing.T) {
	m := testMapper(t)
	r, ok := m.Map("ABC.us", false, 0)
	require.True(t, ok)
	require.Equal(t, "ABC.us", r.CatalogID)
	require.False(t, r.Fuzzy)
}

func TestMap_stripFeed(t *testing.T) {
	m := testMapper(t)
	r, ok := m.Map("ABC.us@East", false, 0)
	require.True(t, ok)
	require.Equal(t, "ABC.us", r.CatalogID)
}

func TestMap_normalizedName(t *testing.T) {
	m := testMapper(t)
	r, ok := m.Map("BBC One HD.uk", false, 0)
	require.True(t, ok)
	require.Equal(t, "BBCOne.uk", r.CatalogID)

	// Alt names participate in the index.
	r, ok = m.Map("BBC 1.uk", false, 0)
	require.True(t, ok)
	require.Equal(t, "BBCOne.uk", r.CatalogID)
}

func TestMap_subchannelSuffix(t *testing.T) {
	m := testMapper(t)
	r, ok := m.Map("KACVDT1.us@SD", false, 0)
	require.True(t, ok)
	require.Equal(t, "KACV.us", r.CatalogID)
	require.False(t, r.Fuzzy)
}

func TestMap_unmapped(t *testing.T) {
	m := testMapper(t)
	_, ok := m.Map("UnknownXYZ.zz", true, BatchThreshold)
	require.False(t, ok)
}

func TestMap_fuzzy(t *testing.T) {
	m := testMapper(t)
	// Close but not exact; only reachable through similarity.
	r, ok := m.Map("Channel News Asia.sg", true, DefaultThreshold)
	require.True(t, ok)
	require.Equal(t, "CNA.sg", r.CatalogID)
	require.True(t, r.Fuzzy)

	// Without fuzzy the same id is unmapped.
	_, ok = m.Map("Channel News Asia.sg", false, 0)
	require.False(t, ok)
}

func TestMap_directBeatsFuzzy(t *testing.T) {
	m := testMapper(t)
	r, ok := m.Map("ABC.us", true, DefaultThreshold)
	require.True(t, ok)
	require.False(t, r.Fuzzy, "direct match must win before fuzzy runs")
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BBC One HD":      "bbc one",
		"Discovery 1080p": "discovery",
		"TV-5 Monde!":     "tv 5 monde",
		"  Plain  ":       "plain",
		"CNN 4K UHD":      "cnn",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestRatio(t *testing.T) {
	require.Equal(t, 1.0, Ratio("abcd", "abcd"))
	require.Equal(t, 0.0, Ratio("abc", "xyz"))
	require.Equal(t, 1.0, Ratio("", ""))
	require.Equal(t, 0.0, Ratio("abc", ""))
	// difflib example: ratio("abcd", "bcde") = 0.75.
	require.InDelta(t, 0.75, Ratio("abcd", "bcde"), 1e-9)
	// Symmetry.
	require.Equal(t, Ratio("kacv", "kacvdt"), Ratio("kacvdt", "kacv"))
}

func TestMapAll(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.UpsertChannels([]catalog.Channel{
		{ID: "ABC.us", Name: "ABC", Country: "US"},
		{ID: "KACV.us", Name: "KACV", Country: "US"},
	}))
	nowT := time.Now().UTC()
	require.NoError(t, st.StoreEPGPrograms([]catalog.Program{
		{ID: "p1", ChannelID: "ABC.us@East", Title: "A", Start: nowT, Stop: nowT.Add(time.Hour)},
		{ID: "p2", ChannelID: "KACVDT1.us@SD", Title: "B", Start: nowT, Stop: nowT.Add(time.Hour)},
		{ID: "p3", ChannelID: "Mystery.zz", Title: "C", Start: nowT, Stop: nowT.Add(time.Hour)},
	}))

	res, err := MapAll(st, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.Mapped)
	require.Equal(t, 1, res.Unmapped)
	require.Equal(t, []string{"Mystery.zz"}, res.SampleUnmapped)
	require.InDelta(t, 2.0/3.0, res.MappingRate, 1e-9)

	// The saved mapping now powers EPG reads keyed on catalog ids.
	mappings, err := st.GetEPGMappings()
	require.NoError(t, err)
	require.Equal(t, "ABC.us", mappings["ABC.us@East"])
	require.Equal(t, "KACV.us", mappings["KACVDT1.us@SD"])
	programs, err := st.GetEPGForChannel("ABC.us", 12)
	require.NoError(t, err)
	require.Len(t, programs, 1)
}
