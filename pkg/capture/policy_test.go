package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectRobotsDirectives(t *testing.T) {
	assert.Equal(t, "", collectRobotsDirectives(nil))
	assert.Equal(t, "noarchive", collectRobotsDirectives([]string{"noarchive"}))
	assert.Equal(t, "noindex;perma: noarchive",
		collectRobotsDirectives([]string{"noindex", "perma: noarchive"}))
	assert.Equal(t, "noarchive", collectRobotsDirectives([]string{"no\r\narchive"}))
}

func TestXRobotsBlocksArchiving(t *testing.T) {
	tests := []struct {
		name       string
		directives string
		generic    bool
		want       bool
	}{
		{"empty", "", true, false},
		{"bare noarchive with generic policy", "noarchive", true, true},
		{"bare noarchive without generic policy", "noarchive", false, false},
		{"bare noindex", "noindex", true, false},
		{"agent-scoped noarchive", "perma: noarchive", false, true},
		{"agent-scoped uppercase", "Perma: noarchive", false, true},
		{"agent-scoped combined", "perma: noindex, noarchive", false, true},
		{"other agent", "googlebot: noarchive", false, false},
		{"other agent generic policy", "googlebot: noarchive", true, false},
		{"mangled but names both", "perma noarchive extra: x: y", false, true},
		{"mangled uppercase does not match", "PERMA NOARCHIVE X: Y: Z", false, false},
		{"one blocking among many", "noindex;perma: noarchive;nofollow", false, true},
		{"none blocking among many", "noindex;googlebot: noarchive", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, xRobotsBlocksArchiving(tt.directives, tt.generic))
		})
	}
}

func TestRobotsDisallowsArchiving(t *testing.T) {
	target := "https://example.com/some/page"

	t.Run("generic ban does not count", func(t *testing.T) {
		body := []byte("User-agent: *\nDisallow: /\n")
		assert.False(t, robotsDisallowsArchiving(body, target))
	})

	t.Run("agent ban counts", func(t *testing.T) {
		body := []byte("User-agent: Perma\nDisallow: /\n")
		assert.True(t, robotsDisallowsArchiving(body, target))
	})

	t.Run("agent ban scoped to other path", func(t *testing.T) {
		body := []byte("User-agent: Perma\nDisallow: /private/\n")
		assert.False(t, robotsDisallowsArchiving(body, target))
	})

	t.Run("agent allowed explicitly", func(t *testing.T) {
		body := []byte("User-agent: *\nDisallow: /\n\nUser-agent: Perma\nAllow: /\n")
		assert.False(t, robotsDisallowsArchiving(body, target))
	})

	t.Run("agent mention is case sensitive", func(t *testing.T) {
		// The cheap pre-check looks for the agent token verbatim.
		body := []byte("User-agent: perma\nDisallow: /\n")
		assert.False(t, robotsDisallowsArchiving(body, target))
	})

	t.Run("empty body", func(t *testing.T) {
		assert.False(t, robotsDisallowsArchiving(nil, target))
	})
}

func TestMetaBlocksArchiving(t *testing.T) {
	parse := func(t *testing.T, html string) *pageMetadata {
		t.Helper()
		tree, err := parseTree("https://example.com/", html)
		require.NoError(t, err)
		var meta pageMetadata
		meta.Merge(tree)
		return &meta
	}

	t.Run("perma noarchive always blocks", func(t *testing.T) {
		meta := parse(t, `<html><head><meta name="perma" content="noarchive"></head></html>`)
		assert.True(t, metaBlocksArchiving(meta, false))
		assert.True(t, metaBlocksArchiving(meta, true))
	})

	t.Run("generic robots noarchive needs the policy flag", func(t *testing.T) {
		meta := parse(t, `<html><head><meta name="robots" content="noarchive"></head></html>`)
		assert.False(t, metaBlocksArchiving(meta, false))
		assert.True(t, metaBlocksArchiving(meta, true))
	})

	t.Run("perma tag wins over robots tag", func(t *testing.T) {
		meta := parse(t, `<html><head>
			<meta name="perma" content="index">
			<meta name="robots" content="noarchive">
		</head></html>`)
		assert.False(t, metaBlocksArchiving(meta, true))
	})

	t.Run("mixed case content", func(t *testing.T) {
		meta := parse(t, `<html><head><meta name="perma" content="NoArchive, noindex"></head></html>`)
		assert.True(t, metaBlocksArchiving(meta, false))
	})

	t.Run("no tags", func(t *testing.T) {
		meta := parse(t, `<html><head><title>x</title></head></html>`)
		assert.False(t, metaBlocksArchiving(meta, true))
	})
}
