package capture

import (
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// robotsAgent is the user-agent token sites use to address this
// archiver in robots.txt files and meta directives.
const robotsAgent = "Perma"

// collectRobotsDirectives flattens X-Robots-Tag header values into the
// single ;-joined form the directive parser takes. Header injection
// artifacts (stray CR/LF) are removed.
func collectRobotsDirectives(values []string) string {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ReplaceAll(v, "\n", "")
		v = strings.ReplaceAll(v, "\r", "")
		cleaned = append(cleaned, v)
	}
	return strings.Join(cleaned, ";")
}

// xRobotsBlocksArchiving reports whether X-Robots-Tag directives forbid
// archiving. A "perma: noarchive" directive always blocks; a bare
// "noarchive" with no agent prefix blocks only when genericNoarchive is
// set; a directive that fits neither shape blocks when it names both
// perma and noarchive, however mangled.
func xRobotsBlocksArchiving(directives string, genericNoarchive bool) bool {
	if directives == "" {
		return false
	}
	blocked := false
	for _, directive := range strings.Split(directives, ";") {
		parsed := strings.Split(strings.ToLower(directive), ":")
		switch {
		case genericNoarchive && len(parsed) == 1:
			if parsed[0] == "noarchive" {
				blocked = true
			}
		case len(parsed) == 2:
			if parsed[0] == "perma" && strings.Contains(parsed[1], "noarchive") {
				blocked = true
			}
		default:
			if strings.Contains(directive, "perma") && strings.Contains(directive, "noarchive") {
				blocked = true
			}
		}
	}
	return blocked
}

// robotsDisallowsArchiving parses a robots.txt body and reports whether
// it forbids the archiver from fetching targetURL. Rules apply only
// when the file names the archiver's agent explicitly; this is an
// on-demand archive, not a crawler, so generic bans do not count.
func robotsDisallowsArchiving(body []byte, targetURL string) bool {
	if !strings.Contains(string(body), robotsAgent) {
		return false
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return false
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return false
	}
	return !data.FindGroup(robotsAgent).Test(target.RequestURI())
}

// metaBlocksArchiving applies the same noarchive policy to collected
// meta tags: the perma tag always counts, the generic robots tag only
// when genericNoarchive is set and no perma tag exists.
func metaBlocksArchiving(meta *pageMetadata, genericNoarchive bool) bool {
	tag := meta.MetaTag("perma")
	if genericNoarchive && tag == "" {
		tag = meta.MetaTag("robots")
	}
	return tag != "" && strings.Contains(strings.ToLower(tag), "noarchive")
}
