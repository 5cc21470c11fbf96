// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package editor

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/bureau-foundation/collabify/document"
)

// Change replaces the runes [From, To) with Insert.
type Change struct {
	From   int
	To     int
	Insert string
}

func (c Change) empty() bool { return c.From == c.To && c.Insert == "" }

// Target is the document an editor is bound to.
// *collab.Controller implements it.
type Target interface {
	Document() *document.Document

	// Edit runs fn against the document if it may be edited.
	Edit(fn func(*document.Document) error) error
}

// Binding connects one editor to a Target.
type Binding struct {
	target Target

	// edits serializes Apply calls.
	edits sync.Mutex

	mu sync.Mutex
	// shown is the text the editor currently displays.
	shown string
}

// NewBinding returns a binding whose editor starts out showing the
// document's current text.
func NewBinding(target Target) *Binding {
	return &Binding{target: target, shown: target.Document().Text()}
}

// Text returns the text the editor is assumed to display.
func (b *Binding) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shown
}

// Apply applies the changes in order. Offsets of each change refer to
// the text after the previous one.
func (b *Binding) Apply(changes ...Change) error {
	b.edits.Lock()
	defer b.edits.Unlock()
	return b.target.Edit(func(doc *document.Document) error {
		for _, c := range changes {
			if err := b.splice(doc, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyFrom applies a change computed against base. If the document
// has moved on since base, the change is first shifted past the
// difference so that it lands where the editor meant it.
func (b *Binding) ApplyFrom(base string, c Change) error {
	b.edits.Lock()
	defer b.edits.Unlock()
	return b.target.Edit(func(doc *document.Document) error {
		if current := doc.Text(); current != base {
			c = rebase(c, Diff(base, current))
		}
		return b.splice(doc, c)
	})
}

// splice applies c after recording the text it will produce, so that
// the resulting update is not rendered back to the editor.
func (b *Binding) splice(doc *document.Document, c Change) error {
	if c.From < 0 || c.To < c.From {
		return fmt.Errorf("invalid change [%d,%d)", c.From, c.To)
	}
	if c.empty() {
		return nil
	}
	current := []rune(doc.Text())
	if c.To > len(current) {
		return fmt.Errorf("change [%d,%d) outside text of length %d", c.From, c.To, len(current))
	}
	expected := string(current[:c.From]) + c.Insert + string(current[c.To:])

	b.mu.Lock()
	b.shown = expected
	b.mu.Unlock()
	if err := doc.Splice(c.From, c.To-c.From, c.Insert); err != nil {
		b.mu.Lock()
		b.shown = doc.Text()
		b.mu.Unlock()
		return err
	}
	return nil
}

// OnRender calls fn with the full text whenever the document changes
// in a way the editor has not seen, including changes from other
// participants and other local writers. fn runs on the mutating
// goroutine and must not block.
func (b *Binding) OnRender(fn func(text string)) (cancel func()) {
	return b.target.Document().Subscribe(func(update document.Update) {
		if !update.TextChanged {
			return
		}
		b.mu.Lock()
		stale := update.Text != b.shown
		if stale {
			b.shown = update.Text
		}
		b.mu.Unlock()
		if stale {
			fn(update.Text)
		}
	})
}

// Diff returns the single change that turns old into new: everything
// between their common prefix and common suffix.
func Diff(old, new string) Change {
	a, b := []rune(old), []rune(new)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return Change{
		From:   prefix,
		To:     len(a) - suffix,
		Insert: string(b[prefix : len(b)-suffix]),
	}
}

// rebase moves c, computed against some text, onto the text produced
// by applying other to that same text. Where the ranges partially
// overlap, c keeps only its part outside other's; a c that covers
// other entirely removes other's insertion too.
func rebase(c, other Change) Change {
	inserted := utf8.RuneCountInString(other.Insert)
	delta := inserted - (other.To - other.From)
	from, to := c.From, c.To
	switch {
	case from < other.From:
	case from >= other.To:
		from += delta
	default:
		from = other.From + inserted
	}
	switch {
	case to <= other.From:
	case to >= other.To:
		to += delta
	default:
		to = other.From
	}
	if to < from {
		to = from
	}
	return Change{From: from, To: to, Insert: c.Insert}
}
