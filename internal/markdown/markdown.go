// Package markdown renders message content to HTML for conversation
// exports.
package markdown

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var md goldmark.Markdown

func init() {
	md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM, // tables, strikethrough, autolinks, task lists
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(), // chat messages treat single newlines as breaks
			html.WithUnsafe(),    // allow raw HTML in markdown
		),
	)
}

// Render converts markdown content to HTML. It applies GFM extensions,
// syntax highlighting, embed detection for standalone video URLs, and
// target="_blank" on external links.
func Render(content string) string {
	if content == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		// On error, return empty and let the caller fall back to plain text
		return ""
	}

	result := buf.String()
	result = processEmbeds(result)
	result = processExternalLinks(result)
	return result
}

var (
	youtubeRe = regexp.MustCompile(`(?:https?://)?(?:www\.)?(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/|youtube\.com/shorts/)([a-zA-Z0-9_-]{11})(?:[?&]\S*)?`)
	vimeoRe   = regexp.MustCompile(`(?:https?://)?(?:www\.)?vimeo\.com/(\d+)(?:[?#/]\S*)?`)

	// Matches <p><a href="URL">URL</a></p> where href == text (autolinked standalone URL)
	autolinkedParagraphRe = regexp.MustCompile(`<p><a href="(https?://[^"]+)">\s*(https?://[^<]+)\s*</a></p>`)
)

// processEmbeds replaces paragraphs holding a single autolinked video URL
// with embed HTML. URLs inside running text stay plain links.
func processEmbeds(html string) string {
	return autolinkedParagraphRe.ReplaceAllStringFunc(html, func(match string) string {
		sub := autolinkedParagraphRe.FindStringSubmatch(match)
		if len(sub) < 3 {
			return match
		}
		href := strings.TrimSpace(sub[1])
		text := strings.TrimSpace(sub[2])

		// Only embed if the link text matches the href (autolinked)
		if href != text {
			return match
		}

		if m := youtubeRe.FindStringSubmatch(href); len(m) >= 2 {
			return youtubeEmbed(m[1])
		}
		if m := vimeoRe.FindStringSubmatch(href); len(m) >= 2 {
			return vimeoEmbed(m[1])
		}

		return match
	})
}

func youtubeEmbed(videoID string) string {
	return `<div class="embed-container embed-video"><iframe src="https://www.youtube.com/embed/` + videoID + `" frameborder="0" allow="accelerometer; autoplay; clipboard-write; encrypted-media; gyroscope; picture-in-picture" allowfullscreen loading="lazy"></iframe></div>`
}

func vimeoEmbed(videoID string) string {
	return `<div class="embed-container embed-video"><iframe src="https://player.vimeo.com/video/` + videoID + `?dnt=1" frameborder="0" allow="autoplay; fullscreen; picture-in-picture" allowfullscreen loading="lazy"></iframe></div>`
}

var linkRe = regexp.MustCompile(`<a href="(https?://[^"]*)"[^>]*>`)

// processExternalLinks adds target="_blank" rel="noopener noreferrer" to
// external links that do not already carry a target.
func processExternalLinks(s string) string {
	return linkRe.ReplaceAllStringFunc(s, func(match string) string {
		if strings.Contains(match, "target=") {
			return match
		}
		return strings.TrimSuffix(match, ">") + ` target="_blank" rel="noopener noreferrer">`
	})
}
