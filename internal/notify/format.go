package notify

import (
	"html"
	"strings"

	"ironscout/internal/fetch"
)

// formatItem builds the HTML message for one new listing. Empty fields are
// omitted rather than rendered blank.
func formatItem(category string, it fetch.Item) string {
	var b strings.Builder
	b.WriteString("🆕 <b>New listing in ")
	b.WriteString(html.EscapeString(category))
	b.WriteString("</b>\n\n")

	b.WriteString("<b>Title:</b> ")
	b.WriteString(html.EscapeString(it.Title))
	b.WriteString("\n")

	if it.Price != "" {
		b.WriteString("<b>Price:</b> ")
		b.WriteString(html.EscapeString(it.Price))
		b.WriteString("\n")
	}
	if it.Location != "" {
		b.WriteString("<b>Location:</b> ")
		b.WriteString(html.EscapeString(it.Location))
		b.WriteString("\n")
	}
	if it.Hours != "" {
		b.WriteString("<b>Hours:</b> ")
		b.WriteString(html.EscapeString(it.Hours))
		b.WriteString("\n")
	}

	b.WriteString("<b>Link:</b> ")
	b.WriteString(it.Link)
	return b.String()
}

func formatAlert(text string) string {
	return "⚠️ <b>ALERT</b>\n\n" + html.EscapeString(text)
}
