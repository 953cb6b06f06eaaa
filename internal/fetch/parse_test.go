package fetch

import (
	"encoding/json"
	"math"
	"testing"
)

func TestIDFromLink(t *testing.T) {
	tests := []struct {
		link string
		want string
	}{
		{"https://www.machinefinder.com/ww/en-US/machines/123456", "123456"},
		{"https://www.machinefinder.com/ww/en-US/machines/123456/", "123456"},
		{"/ww/en-US/machines/98765?ref=search", "98765"},
		{"https://example.com/a/b/c#frag", "c"},
		{"", ""},
		{"https://example.com", ""},
		{"https://example.com/", ""},
	}
	for _, tt := range tests {
		if got := IDFromLink(tt.link); got != tt.want {
			t.Errorf("IDFromLink(%q) = %q, want %q", tt.link, got, tt.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		inf  bool
	}{
		{"$123,456", 123456, false},
		{"99000", 99000, false},
		{" $5,000.50 ", 5000.50, false},
		{"", 0, true},
		{"Call for price", 0, true},
	}
	for _, tt := range tests {
		got := parsePrice(tt.in)
		if tt.inf {
			if !math.IsInf(got, 1) {
				t.Errorf("parsePrice(%q) = %v, want +Inf", tt.in, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFilterMaxPrice(t *testing.T) {
	items := []Item{
		{ID: "cheap", Price: "$50,000"},
		{ID: "pricey", Price: "$250,000"},
		{ID: "unlisted", Price: ""},
	}

	got := filterMaxPrice(append([]Item(nil), items...), 100000)
	if len(got) != 1 || got[0].ID != "cheap" {
		t.Fatalf("filtered = %v, want only cheap", got)
	}

	// No cap keeps everything, including unpriced listings.
	got = filterMaxPrice(append([]Item(nil), items...), 0)
	if len(got) != 3 {
		t.Fatalf("uncapped = %d items, want 3", len(got))
	}
}

func TestItemsFromPage(t *testing.T) {
	raw := `{
	  "matches": 4,
	  "machines": [
	    {"id": 111, "url": "/ww/en-US/machines/111", "label": "310SL Backhoe", "retail": "$85,000", "hrs": "1,200 hrs", "situ": "Moline, IL", "gallery": "https://img.example.com/g.jpg", "hours_updated_at": "(22 May 2025)"},
	    {"id": 222, "url": "", "label": "", "thumb": "https://img.example.com/t.jpg"},
	    {"url": "https://www.machinefinder.com/ww/en-US/machines/333", "label": "Dozer"},
	    {"label": "no id at all"}
	  ]
	}`
	var p resultsPage
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	items, dropped := itemsFromPage(&p, "https://www.machinefinder.com/")
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}

	first := items[0]
	if first.ID != "111" || first.Title != "310SL Backhoe" {
		t.Fatalf("first = %+v", first)
	}
	if first.Link != "https://www.machinefinder.com/ww/en-US/machines/111" {
		t.Fatalf("link = %q", first.Link)
	}
	if first.ListedAt != "22 May 2025" {
		t.Fatalf("listed_at = %q, want parens stripped", first.ListedAt)
	}
	if first.ImageURL != "https://img.example.com/g.jpg" {
		t.Fatalf("image = %q", first.ImageURL)
	}

	// No URL: link synthesized from the id, title from the id, thumb fallback.
	second := items[1]
	if second.ID != "222" || second.Title != "Machine 222" {
		t.Fatalf("second = %+v", second)
	}
	if second.ImageURL != "https://img.example.com/t.jpg" {
		t.Fatalf("second image = %q", second.ImageURL)
	}

	// No numeric id: derived from the URL's last segment.
	if items[2].ID != "333" {
		t.Fatalf("third id = %q, want 333", items[2].ID)
	}
}
