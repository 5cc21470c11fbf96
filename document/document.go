// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	// TextKey names the shared text.
	TextKey = "content"

	// StatusKey names the status map.
	StatusKey = "status"

	// EndedFlag is set once the host ends the session.
	EndedFlag = "ended"

	// LoadedInitialMarkdownFlag is set once the host has seeded the
	// text from the external content source.
	LoadedInitialMarkdownFlag = "loadedInitialMarkdown"
)

// ErrIrreversibleFlag is returned when clearing a monotonic flag.
var ErrIrreversibleFlag = errors.New("status flag cannot be cleared once set")

// Origin says where an Update came from.
type Origin int

const (
	// Local updates are edits made through this Document.
	Local Origin = iota
	// Remote updates arrived from a peer through a SyncPeer.
	Remote
	// Stored updates were loaded from the local cache.
	Stored
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Stored:
		return "stored"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Status is the decoded status map.
type Status struct {
	Ended                 bool
	LoadedInitialMarkdown bool
}

// Update describes one committed change or applied batch.
type Update struct {
	Origin Origin

	// Incremental holds the automerge changes added by this update,
	// in the form LoadIncremental accepts.
	Incremental []byte

	TextChanged   bool
	StatusChanged bool

	// Text and Status are the state after the update.
	Text   string
	Status Status
}

var (
	genesisOnce  sync.Once
	genesisBytes []byte
	genesisErr   error
)

// genesis returns the shared first change every replica builds on.
func genesis() ([]byte, error) {
	genesisOnce.Do(func() {
		doc := automerge.New()
		if err := doc.SetActorID("00000000000000000000000000000000"); err != nil {
			genesisErr = fmt.Errorf("setting genesis actor: %w", err)
			return
		}
		if err := doc.Path(TextKey).Set(automerge.NewText("")); err != nil {
			genesisErr = fmt.Errorf("creating text: %w", err)
			return
		}
		if err := doc.Path(StatusKey).Set(map[string]any{}); err != nil {
			genesisErr = fmt.Errorf("creating status map: %w", err)
			return
		}
		epoch := time.Unix(0, 0).UTC()
		if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &epoch}); err != nil {
			genesisErr = fmt.Errorf("committing genesis: %w", err)
			return
		}
		genesisBytes = doc.Save()
	})
	return genesisBytes, genesisErr
}

// Document is a replica of the session document.
type Document struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	status Status

	// everSeen accumulates flags observed true, for re-assertion.
	everSeen Status

	queueMu   sync.Mutex
	queue     []Update
	draining  bool
	observers []observer
	nextID    uint64
}

type observer struct {
	id uint64
	fn func(Update)
}

// New returns an empty replica with a random actor id.
func New() (*Document, error) {
	base, err := genesis()
	if err != nil {
		return nil, err
	}
	doc, err := automerge.Load(base)
	if err != nil {
		return nil, fmt.Errorf("loading genesis: %w", err)
	}
	actor := make([]byte, 16)
	if _, err := rand.Read(actor); err != nil {
		return nil, fmt.Errorf("generating actor id: %w", err)
	}
	if err := doc.SetActorID(hex.EncodeToString(actor)); err != nil {
		return nil, fmt.Errorf("setting actor id: %w", err)
	}
	// Baseline for SaveIncremental: genesis is never emitted as an
	// update because every replica already has it.
	doc.SaveIncremental()
	return &Document{doc: doc}, nil
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

// Len returns the text length in code points.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Path(TextKey).Text().Len()
}

// Status returns the status map.
func (d *Document) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Heads returns the current change heads as hex strings, sorted.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsLocked()
}

// Insert inserts s at code point pos.
func (d *Document) Insert(pos int, s string) error {
	return d.Splice(pos, 0, s)
}

// Delete removes count code points starting at pos.
func (d *Document) Delete(pos, count int) error {
	return d.Splice(pos, count, "")
}

// Splice deletes del code points at pos and inserts s there, as one
// change.
func (d *Document) Splice(pos, del int, s string) error {
	if del == 0 && s == "" {
		return nil
	}
	return d.mutate("edit", func(doc *automerge.Doc) error {
		text := doc.Path(TextKey).Text()
		length := text.Len()
		if pos < 0 || del < 0 || pos+del > length {
			return fmt.Errorf("splice [%d,%d) outside text of length %d", pos, pos+del, length)
		}
		return text.Splice(pos, del, s)
	})
}

// Replace swaps the entire text for content in one change.
func (d *Document) Replace(content string) error {
	return d.mutate("replace", func(doc *automerge.Doc) error {
		text := doc.Path(TextKey).Text()
		return text.Splice(0, text.Len(), content)
	})
}

// ApplyInitialContent replaces the text with content and sets
// loadedInitialMarkdown, in one change, unless the flag is already
// set. It reports whether the content was applied. Reconnects and
// reopened sessions therefore never overwrite collaborator edits with
// stale source content.
func (d *Document) ApplyInitialContent(content string) (bool, error) {
	applied := false
	err := d.mutate("load initial content", func(doc *automerge.Doc) error {
		if d.status.LoadedInitialMarkdown {
			return errNothingToCommit
		}
		text := doc.Path(TextKey).Text()
		if err := text.Splice(0, text.Len(), content); err != nil {
			return err
		}
		if err := doc.Path(StatusKey, LoadedInitialMarkdownFlag).Set(true); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// MarkEnded sets the ended flag. Setting it twice is a no-op.
func (d *Document) MarkEnded() error {
	return d.SetFlag(EndedFlag, true)
}

// SetFlag sets a status flag. Flags are monotonic: false is rejected
// with ErrIrreversibleFlag, and setting an already-true flag commits
// nothing.
func (d *Document) SetFlag(name string, value bool) error {
	if name != EndedFlag && name != LoadedInitialMarkdownFlag {
		return fmt.Errorf("unknown status flag %q", name)
	}
	if !value {
		return fmt.Errorf("clearing %s: %w", name, ErrIrreversibleFlag)
	}
	return d.mutate("set "+name, func(doc *automerge.Doc) error {
		if flagValue(d.status, name) {
			return errNothingToCommit
		}
		return doc.Path(StatusKey, name).Set(true)
	})
}

// Subscribe registers fn for every subsequent Update. The returned
// function unsubscribes and is safe to call more than once.
func (d *Document) Subscribe(fn func(Update)) (cancel func()) {
	d.queueMu.Lock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.queueMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.queueMu.Lock()
			d.observers = slices.DeleteFunc(d.observers, func(o observer) bool { return o.id == id })
			d.queueMu.Unlock()
		})
	}
}

// Save returns a compact snapshot of the whole document.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Apply merges changes produced by Save or an Update's Incremental,
// as loaded from storage or received out of band.
func (d *Document) Apply(origin Origin, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	before := d.snapshotLocked()
	if err := d.doc.LoadIncremental(data); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("applying %s changes: %w", origin, err)
	}
	updates := d.afterExternalLocked(origin, before)
	d.mu.Unlock()
	d.publish(updates...)
	return nil
}

// Merge pulls every change from other into d.
func (d *Document) Merge(other *Document) error {
	return d.Apply(Remote, other.Save())
}

var errNothingToCommit = errors.New("nothing to commit")

// mutate runs edit on the automerge document under the lock, commits
// the result as one change, and publishes it. edit returning
// errNothingToCommit leaves the document untouched.
func (d *Document) mutate(message string, edit func(*automerge.Doc) error) error {
	d.mu.Lock()
	before := d.snapshotLocked()
	if err := edit(d.doc); err != nil {
		if errors.Is(err, errNothingToCommit) {
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", message, err)
	}
	if _, err := d.doc.Commit(message); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("committing %s: %w", message, err)
	}
	update := d.diffLocked(Local, before)
	d.mu.Unlock()
	d.publish(update)
	return nil
}

type snapshot struct {
	text   string
	status Status
}

func (d *Document) snapshotLocked() snapshot {
	return snapshot{text: d.textLocked(), status: d.status}
}

// diffLocked refreshes the cached status and builds the Update
// describing what changed since before.
func (d *Document) diffLocked(origin Origin, before snapshot) Update {
	d.status = d.readStatusLocked()
	d.everSeen.Ended = d.everSeen.Ended || d.status.Ended
	d.everSeen.LoadedInitialMarkdown = d.everSeen.LoadedInitialMarkdown || d.status.LoadedInitialMarkdown
	text := d.textLocked()
	return Update{
		Origin:        origin,
		Incremental:   d.doc.SaveIncremental(),
		TextChanged:   text != before.text,
		StatusChanged: d.status != before.status,
		Text:          text,
		Status:        d.status,
	}
}

// afterExternalLocked builds the update for merged changes and, if the
// merge regressed a flag this replica has seen set, re-asserts it as a
// follow-up local change.
func (d *Document) afterExternalLocked(origin Origin, before snapshot) []Update {
	seen := d.everSeen
	updates := []Update{d.diffLocked(origin, before)}
	if len(updates[0].Incremental) == 0 && !updates[0].TextChanged && !updates[0].StatusChanged {
		updates = updates[:0]
	}

	var regressed []string
	if seen.Ended && !d.status.Ended {
		regressed = append(regressed, EndedFlag)
	}
	if seen.LoadedInitialMarkdown && !d.status.LoadedInitialMarkdown {
		regressed = append(regressed, LoadedInitialMarkdownFlag)
	}
	if len(regressed) == 0 {
		return updates
	}
	reassertBefore := d.snapshotLocked()
	for _, name := range regressed {
		if err := d.doc.Path(StatusKey, name).Set(true); err != nil {
			return updates
		}
	}
	if _, err := d.doc.Commit("reassert status"); err != nil {
		return updates
	}
	return append(updates, d.diffLocked(Local, reassertBefore))
}

func (d *Document) textLocked() string {
	text, err := d.doc.Path(TextKey).Text().Get()
	if err != nil {
		return ""
	}
	return text
}

func (d *Document) readStatusLocked() Status {
	ended, _ := automerge.As[bool](d.doc.Path(StatusKey, EndedFlag).Get())
	loaded, _ := automerge.As[bool](d.doc.Path(StatusKey, LoadedInitialMarkdownFlag).Get())
	return Status{Ended: ended, LoadedInitialMarkdown: loaded}
}

func (d *Document) headsLocked() []string {
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for index, head := range heads {
		out[index] = head.String()
	}
	slices.Sort(out)
	return out
}

func flagValue(status Status, name string) bool {
	switch name {
	case EndedFlag:
		return status.Ended
	case LoadedInitialMarkdownFlag:
		return status.LoadedInitialMarkdown
	}
	return false
}

// publish queues updates and, unless another goroutine is already
// delivering, delivers the queue in order.
func (d *Document) publish(updates ...Update) {
	if len(updates) == 0 {
		return
	}
	d.queueMu.Lock()
	d.queue = append(d.queue, updates...)
	if d.draining {
		d.queueMu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		observers := slices.Clone(d.observers)
		d.queueMu.Unlock()
		for _, o := range observers {
			o.fn(next)
		}
		d.queueMu.Lock()
	}
	d.draining = false
	d.queueMu.Unlock()
}
