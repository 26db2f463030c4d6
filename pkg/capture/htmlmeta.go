package capture

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageTree is a parsed DOM snapshot together with the URL it was served
// from, so relative references inside it resolve correctly.
type pageTree struct {
	// BaseURL is the absolute URL of the document (or frame).
	BaseURL string

	doc *goquery.Document
}

// parseTree parses an HTML snapshot taken from baseURL.
func parseTree(baseURL, html string) (*pageTree, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page source: %w", err)
	}
	return &pageTree{BaseURL: baseURL, doc: doc}, nil
}

// Title returns the text of the document's head > title element.
func (t *pageTree) Title() string {
	return t.doc.Find("head > title").Text()
}

// MetaTags returns name→content for every named meta tag. Names are
// lowercased; a duplicated name keeps the last content seen. Tags
// without a name attribute are dropped.
func (t *pageTree) MetaTags() map[string]string {
	tags := make(map[string]string)
	t.doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		content, _ := s.Attr("content")
		tags[strings.ToLower(name)] = content
	})
	return tags
}

// FaviconURLs returns icon candidates in preference order: every
// <link rel="icon"|"shortcut icon"> href first, then /favicon.ico,
// absolutized against the document URL and deduplicated.
func (t *pageTree) FaviconURLs() []string {
	refs := []string{}
	t.doc.Find("link").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		switch strings.ToLower(rel) {
		case "shortcut icon", "icon":
			if href, ok := s.Attr("href"); ok && href != "" {
				refs = append(refs, href)
			}
		}
	})
	refs = append(refs, "/favicon.ico")
	return dedupURLs(absoluteURLs(t.BaseURL, refs))
}

// MediaURLs returns every media resource the tree references: srcset
// entries, image/video/audio/embed sources, and legacy object/param
// plugins. URLs are absolutized against the document URL; object URLs
// resolve against the object's codebase when one is set.
func (t *pageTree) MediaURLs() []string {
	refs := t.srcsetURLs()
	refs = append(refs, t.audioVideoURLs()...)
	urls := absoluteURLs(t.BaseURL, refs)
	urls = append(urls, absoluteURLs(t.BaseURL, t.objectURLs())...)
	return urls
}

// srcsetURLs collects candidate URLs from srcset attributes, plus plain
// img src values the browser would not have fetched for foreign pixel
// densities.
func (t *pageTree) srcsetURLs() []string {
	var refs []string
	t.doc.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		srcset, _ := s.Attr("srcset")
		for _, entry := range strings.Split(srcset, ",") {
			fields := strings.Fields(entry)
			if len(fields) > 0 && fields[0] != "" {
				refs = append(refs, fields[0])
			}
		}
	})
	t.doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		refs = append(refs, src)
	})
	return refs
}

func (t *pageTree) audioVideoURLs() []string {
	var refs []string
	t.doc.Find("video, audio, embed, source").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src = strings.TrimSpace(src); src != "" {
			refs = append(refs, src)
		}
	})
	return refs
}

// objectURLs collects data/archive/param[name="movie"] references from
// <object> tags, already resolved against each tag's codebase.
func (t *pageTree) objectURLs() []string {
	var refs []string
	t.doc.Find("object").Each(func(_ int, s *goquery.Selection) {
		codebase, _ := s.Attr("codebase")

		var candidates []string
		data, _ := s.Attr("data")
		candidates = append(candidates, data)
		archive, _ := s.Attr("archive")
		candidates = append(candidates, strings.Fields(archive)...)
		s.Find(`param[name="movie"]`).Each(func(_ int, p *goquery.Selection) {
			value, _ := p.Attr("value")
			candidates = append(candidates, value)
		})

		for _, ref := range candidates {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			if codebase != "" {
				ref = resolveReference(codebase, ref)
			}
			refs = append(refs, ref)
		}
	})
	return refs
}

// resolveReference resolves ref against base, returning ref untouched
// when either side does not parse.
func resolveReference(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// absoluteURLs resolves each ref against base, dropping refs that do
// not parse.
func absoluteURLs(base string, refs []string) []string {
	b, err := url.Parse(base)
	if err != nil {
		return nil
	}
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		r, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			continue
		}
		urls = append(urls, b.ResolveReference(r).String())
	}
	return urls
}

// dedupURLs removes duplicates while preserving first-seen order.
func dedupURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// pageMetadata accumulates what the capture learns about the page
// across DOM snapshots.
type pageMetadata struct {
	title     string
	metaTags  map[string]string
	populated bool
}

// SeedTitle records a submitter-supplied title so later snapshots do
// not overwrite it.
func (m *pageMetadata) SeedTitle(title string) {
	m.title = title
	m.populated = true
}

// Merge folds a DOM snapshot in. Meta tags always refresh to the newest
// snapshot; the title only fills in when nothing has claimed it yet.
func (m *pageMetadata) Merge(tree *pageTree) {
	m.metaTags = tree.MetaTags()
	if m.title == "" {
		m.title = tree.Title()
	}
	m.populated = true
}

// Populated reports whether any metadata was collected. False after an
// HTML capture means every snapshot failed to parse.
func (m *pageMetadata) Populated() bool {
	return m.populated
}

// MetaTag returns the content of a named meta tag, or "".
func (m *pageMetadata) MetaTag(name string) string {
	return m.metaTags[name]
}

// Title returns the page title collected so far.
func (m *pageMetadata) Title() string {
	return m.title
}
