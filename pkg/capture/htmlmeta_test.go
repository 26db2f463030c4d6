package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseTree(t *testing.T, baseURL, html string) *pageTree {
	t.Helper()
	tree, err := parseTree(baseURL, html)
	require.NoError(t, err)
	return tree
}

func TestPageTreeTitleAndMetaTags(t *testing.T) {
	tree := mustParseTree(t, "https://example.com/", `<html><head>
		<title>Example Page</title>
		<meta name="description" content="first">
		<meta name="Description" content="second">
		<meta name="ROBOTS" content="noindex">
		<meta content="orphan">
		<meta property="og:title" content="ignored">
	</head><body></body></html>`)

	assert.Equal(t, "Example Page", tree.Title())

	tags := tree.MetaTags()
	assert.Equal(t, "second", tags["description"], "later duplicate wins, names lowercased")
	assert.Equal(t, "noindex", tags["robots"])
	assert.NotContains(t, tags, "og:title", "property-only tags are not named")
	assert.Len(t, tags, 2)
}

func TestPageTreeFaviconURLs(t *testing.T) {
	tree := mustParseTree(t, "https://example.com/articles/page.html", `<html><head>
		<link rel="shortcut icon" href="/icons/fav.ico">
		<link rel="ICON" href="alt.png">
		<link rel="stylesheet" href="/style.css">
		<link rel="icon" href="/icons/fav.ico">
	</head></html>`)

	assert.Equal(t, []string{
		"https://example.com/icons/fav.ico",
		"https://example.com/articles/alt.png",
		"https://example.com/favicon.ico",
	}, tree.FaviconURLs(), "declared icons first, then the conventional path, deduplicated")
}

func TestPageTreeFaviconURLsFallbackOnly(t *testing.T) {
	tree := mustParseTree(t, "https://example.com/page", `<html><head></head></html>`)
	assert.Equal(t, []string{"https://example.com/favicon.ico"}, tree.FaviconURLs())
}

func TestPageTreeMediaURLs(t *testing.T) {
	tree := mustParseTree(t, "https://example.com/dir/page.html", `<html><body>
		<img srcset="small.jpg 1x, /big.jpg 2x" src="fallback.jpg">
		<picture><source srcset="huge.webp 900w"></picture>
		<video src="movie.mp4"></video>
		<audio src="/sound.ogg"></audio>
		<embed src="legacy.swf">
	</body></html>`)

	urls := tree.MediaURLs()
	assert.ElementsMatch(t, []string{
		"https://example.com/dir/small.jpg",
		"https://example.com/big.jpg",
		"https://example.com/dir/huge.webp",
		"https://example.com/dir/fallback.jpg",
		"https://example.com/dir/movie.mp4",
		"https://example.com/sound.ogg",
		"https://example.com/dir/legacy.swf",
	}, urls)
}

func TestPageTreeMediaURLsObjects(t *testing.T) {
	tree := mustParseTree(t, "https://example.com/page.html", `<html><body>
		<object data="plain.swf"></object>
		<object codebase="https://cdn.example.net/assets/" data="applet.jar" archive="a.jar b.jar">
			<param name="movie" value="movie.swf">
			<param name="quality" value="high">
		</object>
	</body></html>`)

	urls := tree.MediaURLs()
	assert.ElementsMatch(t, []string{
		"https://example.com/plain.swf",
		"https://cdn.example.net/assets/applet.jar",
		"https://cdn.example.net/assets/a.jar",
		"https://cdn.example.net/assets/b.jar",
		"https://cdn.example.net/assets/movie.swf",
	}, urls, "object references resolve against codebase when set")
}

func TestPageTreeMediaURLsEmptySrcset(t *testing.T) {
	// Stray commas and whitespace-only entries must not produce URLs.
	tree := mustParseTree(t, "https://example.com/", `<html><body>
		<img srcset=", ,x.jpg 1x,">
	</body></html>`)

	assert.Equal(t, []string{"https://example.com/x.jpg"}, tree.MediaURLs())
}

func TestResolveReference(t *testing.T) {
	assert.Equal(t, "https://example.com/robots.txt",
		resolveReference("https://example.com/deep/page", "/robots.txt"))
	assert.Equal(t, "https://other.net/x", resolveReference("https://example.com/", "https://other.net/x"))
	// Unparseable refs come back untouched.
	assert.Equal(t, "http://bad\x7f", resolveReference("https://example.com/", "http://bad\x7f"))
}

func TestPageMetadataMerge(t *testing.T) {
	first := mustParseTree(t, "https://example.com/", `<html><head>
		<title>Early Title</title>
		<meta name="description" content="early description">
	</head></html>`)
	second := mustParseTree(t, "https://example.com/", `<html><head>
		<title>Late Title</title>
		<meta name="description" content="late description">
	</head></html>`)

	var meta pageMetadata
	assert.False(t, meta.Populated())

	meta.Merge(first)
	assert.True(t, meta.Populated())
	assert.Equal(t, "Early Title", meta.Title())

	meta.Merge(second)
	assert.Equal(t, "Early Title", meta.Title(), "first title sticks")
	assert.Equal(t, "late description", meta.MetaTag("description"), "meta tags follow the newest snapshot")
}

func TestPageMetadataSeedTitle(t *testing.T) {
	var meta pageMetadata
	meta.SeedTitle("User Title")

	tree := mustParseTree(t, "https://example.com/", `<html><head><title>Page Title</title></head></html>`)
	meta.Merge(tree)

	assert.Equal(t, "User Title", meta.Title(), "submitter title survives the harvest")
}
