package fetch

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// resultsEnvelope is the wire shape of one results page.
type resultsEnvelope struct {
	Results *resultsPage `json:"results"`
}

type resultsPage struct {
	Matches  int           `json:"matches"`
	Machines []wireMachine `json:"machines"`
}

type wireMachine struct {
	ID      json.Number `json:"id"`
	URL     string      `json:"url"`
	Label   string      `json:"label"`
	Retail  string      `json:"retail"`
	Hrs     string      `json:"hrs"`
	Situ    string      `json:"situ"`
	Gallery string      `json:"gallery"`
	Thumb   string      `json:"thumb"`
	// Best-effort: only some payload variants carry the updated-at date.
	HoursUpdatedAt string `json:"hours_updated_at"`
}

// itemsFromPage converts wire machines to Items. Records with no extractable
// identifier are dropped (counted by the caller); one bad record never fails
// the page.
func itemsFromPage(p *resultsPage, baseURL string) (items []Item, dropped int) {
	for _, m := range p.Machines {
		link := m.URL
		if link != "" && !strings.HasPrefix(link, "http") {
			link = strings.TrimRight(baseURL, "/") + link
		}
		if link == "" && m.ID.String() != "" {
			link = strings.TrimRight(baseURL, "/") + "/ww/en-US/machines/" + m.ID.String()
		}

		id := IDFromLink(link)
		if id == "" {
			id = strings.TrimSpace(m.ID.String())
		}
		if id == "" {
			dropped++
			continue
		}

		title := strings.TrimSpace(m.Label)
		if title == "" {
			title = "Machine " + id
		}

		img := m.Gallery
		if img == "" {
			img = m.Thumb
		}

		items = append(items, Item{
			ID:       id,
			Title:    title,
			Price:    strings.TrimSpace(m.Retail),
			Location: strings.TrimSpace(m.Situ),
			Hours:    strings.TrimSpace(m.Hrs),
			ImageURL: img,
			Link:     link,
			ListedAt: strings.Trim(strings.TrimSpace(m.HoursUpdatedAt), "()"),
		})
	}
	return items, dropped
}

// IDFromLink derives the stable identifier from a listing's canonical URL:
// the last path segment. Query strings and fragments are ignored.
func IDFromLink(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// parsePrice converts a display price ("$123,456") to a number for the
// max-price filter. Unparseable or empty prices compare as +Inf so they are
// excluded when a cap is set.
func parsePrice(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(s, "$", ""), ",", ""))
	if s == "" {
		return math.Inf(1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.Inf(1)
	}
	return v
}

func filterMaxPrice(items []Item, maxPrice int) []Item {
	if maxPrice <= 0 {
		return items
	}
	out := items[:0]
	for _, it := range items {
		if parsePrice(it.Price) <= float64(maxPrice) {
			out = append(out, it)
		}
	}
	return out
}
