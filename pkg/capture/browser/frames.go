package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
)

const (
	// frameDepthLimit is the deepest frame level descended into.
	frameDepthLimit = 3

	// frameTotalLimit caps the frames visited across the whole walk.
	frameTotalLimit = 20
)

// Frame is one child document in the page's frame tree.
type Frame struct {
	// Path addresses the frame from the root as window.frames indexes.
	Path []int

	URL  string
	HTML string
}

// evalFunc evaluates a JS expression in the page and decodes the result
// into out.
type evalFunc func(expr string, out any) error

// WalkFrames visits the page's child frames depth first, bounded by depth
// and total count. Frames whose URL cannot be read (cross-origin content
// security, detached windows) are skipped along with their subtrees, as
// are non-http(s) frames like about:blank and about:srcdoc.
func (c *Chrome) WalkFrames(ctx context.Context, visit func(Frame)) error {
	return walkFrames(func(expr string, out any) error {
		return c.run(ctx, chromedp.Evaluate(expr, out))
	}, visit)
}

// walkFrames is the explicit-stack DFS behind WalkFrames. Frames are
// addressed by index path from the root, so each evaluation re-resolves
// the frame and a mutated hierarchy only loses the frames it detached.
func walkFrames(eval evalFunc, visit func(Frame)) error {
	var count int
	if err := eval("window.frames.length", &count); err != nil {
		return fmt.Errorf("failed to count frames: %w", err)
	}

	stack := make([][]int, 0, count)
	for i := min(count, frameTotalLimit) - 1; i >= 0; i-- {
		stack = append(stack, []int{i})
	}

	visited := 0
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited >= frameTotalLimit {
			return nil
		}

		expr := framePathExpr(path)

		var frameURL string
		if err := eval(expr+".location.href", &frameURL); err != nil {
			continue
		}
		if !strings.HasPrefix(frameURL, "http:") && !strings.HasPrefix(frameURL, "https:") {
			continue
		}

		var html string
		if err := eval(expr+".document.documentElement.outerHTML", &html); err != nil {
			continue
		}

		visit(Frame{Path: path, URL: frameURL, HTML: html})
		visited++

		if len(path) > frameDepthLimit {
			continue
		}
		var children int
		if err := eval(expr+".frames.length", &children); err != nil {
			continue
		}
		for i := min(children, frameTotalLimit) - 1; i >= 0; i-- {
			child := append(append([]int{}, path...), i)
			stack = append(stack, child)
		}
	}
	return nil
}

// framePathExpr renders a frame path as a window.frames index chain.
func framePathExpr(path []int) string {
	var b strings.Builder
	b.WriteString("window")
	for _, i := range path {
		fmt.Fprintf(&b, ".frames[%d]", i)
	}
	return b.String()
}
