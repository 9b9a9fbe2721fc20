package subs

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

// Parse turns a subscription document into profiles. The document may be a
// base64-encoded link list, a plain link list, or an HTML page carrying
// share links in anchors. Unparseable lines are skipped.
func Parse(data []byte) []*types.ServerProfile {
	body := decodeBody(data)
	profiles := parseLines(string(body))
	if len(profiles) == 0 && looksLikeHTML(body) {
		profiles = parseHTML(body)
	}
	return profiles
}

// decodeBody undoes the base64 wrapping most subscription endpoints apply.
// Content that is not valid base64 is returned untouched.
func decodeBody(data []byte) []byte {
	compact := strings.Join(strings.Fields(string(data)), "")
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(compact); err == nil {
			return decoded
		}
	}
	return data
}

func parseLines(text string) []*types.ServerProfile {
	log := logger.WithComponent("subs")
	var out []*types.ServerProfile
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := types.ParseShareLink(line)
		if err != nil {
			log.Debug().Str("line", line).Msg("Skipping unparseable subscription line.")
			continue
		}
		out = append(out, p)
	}
	return out
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// parseHTML pulls share links out of anchor hrefs. Ordinary page links lack
// an explicit port and fail share-link parsing, which filters them out.
func parseHTML(data []byte) []*types.ServerProfile {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	var out []*types.ServerProfile
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		p, err := types.ParseShareLink(strings.TrimSpace(href))
		if err != nil {
			return
		}
		out = append(out, p)
	})
	return out
}
