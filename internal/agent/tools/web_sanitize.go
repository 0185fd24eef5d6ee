package tools

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// defaultChunkSize is the max characters per chunk returned to the
// model.
const defaultChunkSize = 50000

// skipElements are elements whose entire subtree is discarded.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Math:     true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
}

// hiddenStylePatterns flag inline styles that hide content. Each is
// checked independently against the style attribute value.
var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0(?:\s*[;"]|$)`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0(?:px|em|rem|%)?(?:\s*[;"]|$)`),
	regexp.MustCompile(`(?i)(?:left|top)\s*:\s*-\d{4,}`),
}

var collapseSpaceRe = regexp.MustCompile(`[ \t]+`)

var multiNewlineRe = regexp.MustCompile(`\n{3,}`)

// ExtractVisibleText parses HTML and returns only the text a human
// reader would see. Non-HTML content passes through unchanged.
func ExtractVisibleText(raw []byte, contentType string) string {
	ct := strings.ToLower(contentType)

	if !strings.Contains(ct, "html") {
		return string(raw)
	}

	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		// Parse failure: return raw rather than losing content.
		return string(raw)
	}

	var buf strings.Builder
	buf.Grow(len(raw) / 3)

	extractText(doc, &buf)

	text := buf.String()

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(collapseSpaceRe.ReplaceAllString(line, " "), unicode.IsSpace)
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

func extractText(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return

	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if getAttr(n, "aria-hidden") == "true" {
			return
		}
		if style := getAttr(n, "style"); style != "" && isHiddenStyle(style) {
			return
		}
		if hasAttr(n, "hidden") {
			return
		}

		isBlock := isBlockElement(n.DataAtom)
		if isBlock {
			buf.WriteString("\n")
		}

		if level := headingLevel(n.DataAtom); level > 0 {
			buf.WriteString(strings.Repeat("#", level))
			buf.WriteString(" ")
		}

		if n.DataAtom == atom.Li {
			buf.WriteString("• ")
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extractText(c, buf)
		}

		if n.DataAtom == atom.Br || n.DataAtom == atom.Hr {
			buf.WriteString("\n")
		}

		if isBlock {
			buf.WriteString("\n")
		}

	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extractText(c, buf)
		}
	}
}

// ChunkText splits text into chunks of at most chunkSize characters,
// breaking at paragraph boundaries when possible. Returns the requested
// chunk (0-indexed) and the total chunk count.
func ChunkText(text string, chunkSize, offset int) (chunk string, totalChunks int) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	if len(text) <= chunkSize {
		return text, 1
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= chunkSize {
			chunks = append(chunks, remaining)
			break
		}

		cutPoint := chunkSize
		lastPara := strings.LastIndex(remaining[:chunkSize], "\n\n")
		if lastPara > chunkSize/4 {
			cutPoint = lastPara + 2
		} else {
			lastNL := strings.LastIndex(remaining[:chunkSize], "\n")
			if lastNL > chunkSize/4 {
				cutPoint = lastNL + 1
			}
		}

		chunks = append(chunks, remaining[:cutPoint])
		remaining = remaining[cutPoint:]
	}

	totalChunks = len(chunks)
	if offset < 0 {
		offset = 0
	}
	if offset >= totalChunks {
		offset = totalChunks - 1
	}

	return chunks[offset], totalChunks
}

// FormatFetchResult renders a fetch response header, chunk info, and
// the selected content chunk.
func FormatFetchResult(statusCode int, status, contentType string, totalBytes int, text string, chunkSize, offset int) string {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	chunk, totalChunks := ChunkText(text, chunkSize, offset)

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d %s\nContent-Type: %s\nOriginal-Size: %d bytes\n", statusCode, status, contentType, totalBytes)

	if totalChunks > 1 {
		fmt.Fprintf(&sb, "Chunk: %d/%d (use offset parameter to read other chunks)\n", offset+1, totalChunks)
	}

	sb.WriteString("\n")
	sb.WriteString(chunk)

	return sb.String()
}

func isHiddenStyle(style string) bool {
	for _, re := range hiddenStylePatterns {
		if re.MatchString(style) {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.P, atom.Section, atom.Article, atom.Aside,
		atom.Header, atom.Footer, atom.Nav, atom.Main, atom.Figure,
		atom.Figcaption, atom.Blockquote, atom.Pre, atom.Ul, atom.Ol,
		atom.Li, atom.Dl, atom.Dt, atom.Dd, atom.Table, atom.Tr, atom.Td,
		atom.Th, atom.Thead, atom.Tbody, atom.Tfoot, atom.Caption,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Details, atom.Summary, atom.Fieldset, atom.Legend,
		atom.Address, atom.Hgroup, atom.Form:
		return true
	}
	return false
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	case atom.H6:
		return 6
	}
	return 0
}
