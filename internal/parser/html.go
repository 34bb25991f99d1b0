// Package parser extracts readable text and verification codes from messages.
package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mixelka/mailwatch/pkg/models"
)

var (
	spaceRun     = regexp.MustCompile(`[\t\f\r \x{00A0}]+`)
	newlineRun   = regexp.MustCompile(`\n{3,}`)
	invisibleRun = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}]+`)
)

// TextFromHTML converts an HTML body to plain text
func TextFromHTML(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	// Keep link targets that have distinct text, they often carry confirm URLs
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.HasPrefix(href, "http") && strings.TrimSpace(s.Text()) != href {
			s.AppendHtml(" (" + href + ")")
		}
	})

	return cleanText(doc.Text()), nil
}

// BodyText returns the best plain text rendition of a message: the text
// part, then the HTML part, then the provider snippet
func BodyText(msg models.Message) string {
	if text := cleanText(msg.BodyText); text != "" {
		return text
	}
	if msg.BodyHTML != "" {
		if text, err := TextFromHTML(msg.BodyHTML); err == nil && text != "" {
			return text
		}
	}
	return cleanText(msg.Snippet)
}

func cleanText(text string) string {
	text = invisibleRun.ReplaceAllString(text, "")
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = newlineRun.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
