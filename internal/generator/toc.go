package generator

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractTOC returns the text of every h2 and h3 heading in document order.
func ExtractTOC(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var toc []string
	doc.Find("h2, h3").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			toc = append(toc, text)
		}
	})
	return toc
}
