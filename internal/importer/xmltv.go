package importer

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/store"
)

// programBatch bounds memory on multi-day guides; rows are flushed to the
// store in chunks.
const programBatch = 500

type xmltvChannel struct {
	ID    string   `xml:"id,attr"`
	Names []string `xml:"display-name"`
}

type xmltvProgramme struct {
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Channel  string `xml:"channel,attr"`
	Title    string `xml:"title"`
	SubTitle string `xml:"sub-title"`
	Desc     string `xml:"desc"`
	Category string `xml:"category"`
	Icon     struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
	Rating struct {
		Value string `xml:"value"`
	} `xml:"rating"`
}

// XMLTVResult summarizes one guide import.
type XMLTVResult struct {
	Channels int `json:"channels"`
	Programs int `json:"programs"`
	Skipped  int `json:"skipped"`
}

// ImportXMLTV streams an XMLTV document into the store. Channel elements land
// in a side table; programme elements become Program rows. Malformed
// programmes are counted and skipped, never aborting the import.
func ImportXMLTV(st *store.Store, r io.Reader) (*XMLTVResult, error) {
	dec := xml.NewDecoder(r)
	res := &XMLTVResult{}
	channels := make(map[string]string)
	var batch []catalog.Program

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := st.StoreEPGPrograms(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xmltv: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "channel":
			var ch xmltvChannel
			if err := dec.DecodeElement(&ch, &start); err != nil {
				res.Skipped++
				continue
			}
			if ch.ID != "" {
				name := ""
				if len(ch.Names) > 0 {
					name = ch.Names[0]
				}
				channels[ch.ID] = name
			}
		case "programme":
			var p xmltvProgramme
			if err := dec.DecodeElement(&p, &start); err != nil {
				res.Skipped++
				continue
			}
			prog, ok := toProgram(p)
			if !ok {
				res.Skipped++
				continue
			}
			batch = append(batch, prog)
			res.Programs++
			if len(batch) >= programBatch {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := st.StoreEPGChannels(channels); err != nil {
		return nil, err
	}
	res.Channels = len(channels)
	return res, nil
}

func toProgram(p xmltvProgramme) (catalog.Program, bool) {
	var out catalog.Program
	if p.Channel == "" {
		return out, false
	}
	start, err := ParseXMLTVTime(p.Start)
	if err != nil {
		return out, false
	}
	stop, err := ParseXMLTVTime(p.Stop)
	if err != nil || !stop.After(start) {
		return out, false
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Unknown"
	}
	return catalog.Program{
		ID:          catalog.ProgramID(p.Channel, p.Start, title),
		ChannelID:   p.Channel,
		Title:       title,
		SubTitle:    strings.TrimSpace(p.SubTitle),
		Description: strings.TrimSpace(p.Desc),
		Start:       start,
		Stop:        stop,
		Category:    strings.TrimSpace(p.Category),
		Icon:        p.Icon.Src,
		Rating:      strings.TrimSpace(p.Rating.Value),
	}, true
}

// ParseXMLTVTime parses `YYYYMMDDHHMMSS [±ZZZZ]`. A declared offset is
// honored and the result converted to UTC; a missing offset means UTC.
func ParseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("20060102150405 -0700", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad xmltv timestamp %q", s)
	}
	return t.UTC(), nil
}
