// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package export turns a session's markdown into files: the markdown
// itself, a standalone HTML page, or an age-sealed copy.
package export

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/bureau-foundation/collabify/lib/sealed"
	"github.com/bureau-foundation/collabify/lib/secret"
)

// Format is an export format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatSealed   Format = "age"
)

// Extension returns the file extension for f, without the dot.
func (f Format) Extension() string {
	if f == FormatSealed {
		return "md.age"
	}
	return string(f)
}

// ParseFormat accepts md, markdown, html and age.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "age":
		return FormatSealed, nil
	}
	return "", fmt.Errorf("unknown export format %q (want md, html or age)", s)
}

// Untitled is the title of a document without a level-one heading.
const Untitled = "Untitled"

var (
	titlePattern      = regexp.MustCompile(`(?m)^# (.+)$`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	nonWordPattern    = regexp.MustCompile(`[^\w-]+`)
	dashesPattern     = regexp.MustCompile(`--+`)
)

// Title returns the text of the first "# " heading.
func Title(markdown string) string {
	match := titlePattern.FindStringSubmatch(markdown)
	if match == nil {
		return Untitled
	}
	title := strings.TrimSuffix(match[1], "\r")
	if title == "" {
		return Untitled
	}
	return title
}

// Slugify lowercases text, turns whitespace runs into dashes and drops
// everything but ASCII letters, digits, underscores and dashes.
func Slugify(text string) string {
	slug := strings.ToLower(text)
	slug = whitespacePattern.ReplaceAllString(slug, "-")
	slug = nonWordPattern.ReplaceAllString(slug, "")
	slug = dashesPattern.ReplaceAllString(slug, "-")
	return strings.TrimRight(slug, "-")
}

// Filename names an export of markdown: the slug of its title plus
// the format's extension.
func Filename(markdown string, format Format) string {
	slug := Slugify(Title(markdown))
	if slug == "" || slug == "-" {
		slug = Slugify(Untitled)
	}
	return slug + "." + format.Extension()
}

// Markdown returns the document as file content, ending in a newline.
func Markdown(markdown string) []byte {
	if markdown != "" && !strings.HasSuffix(markdown, "\n") {
		markdown += "\n"
	}
	return []byte(markdown)
}

var (
	rendererOnce sync.Once
	renderer     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	rendererOnce.Do(func() {
		renderer = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		)
	})
	return renderer
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
</head>
<body>
<article>
%s</article>
</body>
</html>
`

// HTML renders markdown as a standalone HTML page titled after the
// document. Raw HTML in the markdown is omitted.
func HTML(markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdownRenderer().Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return fmt.Appendf(nil, pageTemplate, html.EscapeString(Title(markdown)), body.String()), nil
}

// Sealed encrypts markdown to passphrase with age. workFactor zero
// selects the age default.
func Sealed(markdown string, passphrase *secret.Buffer, workFactor int) ([]byte, error) {
	return sealed.EncryptPassphrase(Markdown(markdown), passphrase, workFactor)
}

// SealedTo encrypts markdown to age recipients.
func SealedTo(markdown string, recipients []string) ([]byte, error) {
	return sealed.EncryptRecipients(Markdown(markdown), recipients)
}

// Options selects how Render seals documents. Only FormatSealed uses
// them; Recipients, when set, take precedence over Passphrase.
type Options struct {
	Passphrase *secret.Buffer
	Recipients []string
	WorkFactor int
}

// Render produces the export of markdown in format.
func Render(format Format, markdown string, options Options) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		return Markdown(markdown), nil
	case FormatHTML:
		return HTML(markdown)
	case FormatSealed:
		if len(options.Recipients) > 0 {
			return SealedTo(markdown, options.Recipients)
		}
		return Sealed(markdown, options.Passphrase, options.WorkFactor)
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}
