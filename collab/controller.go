// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/session"
	"github.com/bureau-foundation/collabify/transport"
)

// Defaults for the best-effort and confirmation windows.
const (
	DefaultSourceTimeout = 5 * time.Second
	DefaultFlushTimeout  = 5 * time.Second
	DefaultFlushAttempts = 3
)

// ContentSource is the external content source of a hosted session.
// *api.Client implements it.
type ContentSource interface {
	Get(ctx context.Context) (string, error)
	Put(ctx context.Context, markdown string) error
	Start(ctx context.Context, joinURL, sessionURL string) error
	Stop(ctx context.Context) error
}

// Cache is the local durable copy of the document.
// *persistence.Handle implements it.
type Cache interface {
	// Synced is closed once the stored document has been loaded.
	Synced() <-chan struct{}

	// Flush returns once every change made so far is durable.
	Flush(ctx context.Context) error

	Close() error
}

// Config configures a Controller.
type Config struct {
	Session   *session.Session
	Document  *document.Document
	Awareness *awareness.Awareness
	Cache     Cache
	Transport transport.Provider

	// Source is required for host sessions with an external source
	// and ignored otherwise.
	Source ContentSource

	// Origin is the web client origin used for the links reported
	// to the content source when a session starts.
	Origin string

	// UserName is the initial display name.
	UserName string

	// Rand picks the user colour. Defaults to a randomly seeded PCG.
	Rand *rand.Rand

	SourceTimeout time.Duration
	FlushTimeout  time.Duration
	FlushAttempts int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State State

	SignalingConnected bool
	SyncedLocally      bool
	SyncedRemotely     bool
	HostOnline         bool

	// Peers are the transport ids of connected peers.
	Peers []string

	// Users are the awareness states of every known participant,
	// including this one.
	Users map[awareness.ClientID]awareness.State

	// SourceErr is the last external source failure, if any. Such
	// failures never block the session.
	SourceErr error
}

// Controller drives one replica of a session. Create it with New,
// call Run, and Close it on every exit path.
type Controller struct {
	config    Config
	session   *session.Session
	document  *document.Document
	awareness *awareness.Awareness
	cache     Cache
	transport transport.Provider
	source    ContentSource
	logger    *slog.Logger

	wake    chan struct{}
	changes chan Snapshot
	closed  chan struct{}

	closeOnce sync.Once
	closeErr  error
	running   sync.WaitGroup

	mu        sync.Mutex
	isClosed  bool
	in        inputs
	peers     []string
	state     State
	loading   bool
	sourceErr error
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New validates cfg and returns a controller in the Connecting state.
func New(cfg Config) (*Controller, error) {
	if cfg.Session == nil || cfg.Document == nil || cfg.Awareness == nil || cfg.Cache == nil || cfg.Transport == nil {
		return nil, errors.New("collab: session, document, awareness, cache and transport are required")
	}
	_, hasSource := cfg.Session.External()
	if hasSource && cfg.Session.IsHost && cfg.Source == nil {
		return nil, errors.New("collab: hosted session with an external source needs a content source client")
	}
	if !hasSource {
		cfg.Source = nil
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.FlushAttempts <= 0 {
		cfg.FlushAttempts = DefaultFlushAttempts
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		config:    cfg,
		session:   cfg.Session,
		document:  cfg.Document,
		awareness: cfg.Awareness,
		cache:     cfg.Cache,
		transport: cfg.Transport,
		source:    cfg.Source,
		logger:    cfg.Logger.With("session", cfg.Session.ID, "host", cfg.Session.IsHost),
		wake:      make(chan struct{}, 1),
		changes:   make(chan Snapshot, 1),
		closed:    make(chan struct{}),
		observers: make(map[uint64]func(Snapshot)),
		in: inputs{
			isHost:    cfg.Session.IsHost,
			hasSource: hasSource,
		},
	}
	c.readDocumentLocked()
	c.state = derive(c.in)
	return c, nil
}

// Run drives the session until ctx is done or Close is called. It
// starts the transport and the awareness heartbeat and stops them on
// return.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.running.Add(1)
	c.mu.Unlock()
	defer c.running.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	color, light := awareness.PickColor(c.config.Rand)
	if err := c.awareness.SetLocalUser(awareness.User{
		Name:       c.config.UserName,
		Color:      color,
		ColorLight: light,
		IsHost:     c.session.IsHost,
	}); err != nil {
		return fmt.Errorf("setting local presence: %w", err)
	}

	unsubscribeDocument := c.document.Subscribe(func(update document.Update) {
		if update.StatusChanged {
			c.poke()
		}
	})
	defer unsubscribeDocument()
	unsubscribeAwareness := c.awareness.Subscribe(func(awareness.Change) { c.poke() })
	defer unsubscribeAwareness()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		if err := c.transport.Run(ctx); err != nil {
			c.logger.Error("transport stopped", "error", err)
		}
	}()
	go func() {
		defer background.Done()
		c.awareness.Run(ctx)
	}()
	defer background.Wait()
	defer cancel()

	c.logger.Info("session controller started", "room", c.session.RoomID())
	cacheSynced := c.cache.Synced()
	events := c.transport.Events()
	for {
		c.update(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-cacheSynced:
			cacheSynced = nil
			c.mu.Lock()
			c.in.syncedLocally = true
			c.mu.Unlock()
		case event := <-events:
			c.handleEvent(event)
		case <-c.wake:
		}
	}
}

func (c *Controller) handleEvent(event transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Kind {
	case transport.EventSignaling:
		c.in.signalingConnected = event.Connected
		if !event.Connected {
			c.logger.Warn("signaling relay unreachable")
		}
	case transport.EventPeers:
		c.peers = slices.Clone(event.Peers)
		c.in.peers = len(event.Peers)
	case transport.EventSynced:
		c.in.syncedRemotely = true
	}
}

// update re-derives the state, starts the initial content load when
// it is due, and notifies observers.
func (c *Controller) update(ctx context.Context) {
	c.mu.Lock()
	c.readDocumentLocked()
	c.in.hostOnline = awareness.IsHostOnline(c.session.IsHost, c.awareness.States())
	previous := c.state
	c.state = derive(c.in)
	if c.state == Active {
		c.in.shown = true
	}
	startLoad := c.state == LoadingInitialContent && !c.loading
	if startLoad {
		c.loading = true
	}
	snapshot := c.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, id := range sortedKeys(c.observers) {
		observers = append(observers, c.observers[id])
	}
	c.mu.Unlock()

	if previous != snapshot.State {
		c.logger.Info("session state changed", "from", previous, "to", snapshot.State)
	}
	if startLoad {
		c.running.Add(1)
		go func() {
			defer c.running.Done()
			c.loadInitialContent(ctx)
		}()
	}
	for _, fn := range observers {
		fn(snapshot)
	}
	for {
		select {
		case c.changes <- snapshot:
			return
		default:
		}
		select {
		case <-c.changes:
		default:
		}
	}
}

// readDocumentLocked copies the replicated status flags into the
// inputs. Both are monotonic, so a true is never lost.
func (c *Controller) readDocumentLocked() {
	status := c.document.Status()
	c.in.ended = c.in.ended || status.Ended
	c.in.loadedInitial = c.in.loadedInitial || status.LoadedInitialMarkdown
}

// loadInitialContent replaces the document with the source's content,
// unless some replica already did. A failure leaves the flag unset, so
// the next run retries, and lets the session proceed with what it has.
func (c *Controller) loadInitialContent(ctx context.Context) {
	defer c.poke()

	fetchCtx, cancel := context.WithTimeout(ctx, c.config.SourceTimeout)
	content, err := c.source.Get(fetchCtx)
	cancel()
	if err != nil {
		c.logger.Warn("loading initial content failed", "error", err)
		c.mu.Lock()
		c.in.initialFailed = true
		c.sourceErr = fmt.Errorf("loading initial content: %w", err)
		c.mu.Unlock()
		return
	}

	applied, err := c.document.ApplyInitialContent(content)
	if err != nil {
		c.logger.Error("applying initial content failed", "error", err)
		c.mu.Lock()
		c.in.initialFailed = true
		c.sourceErr = fmt.Errorf("applying initial content: %w", err)
		c.mu.Unlock()
		return
	}
	if !applied {
		return
	}
	c.logger.Info("initial content loaded", "bytes", len(content))

	startCtx, cancel := context.WithTimeout(ctx, c.config.SourceTimeout)
	defer cancel()
	joinURL := session.JoinURL(c.config.Origin, c.session)
	sessionURL := session.SessionURL(c.config.Origin, c.session)
	if err := c.source.Start(startCtx, joinURL, sessionURL); err != nil {
		c.logger.Warn("start notification failed", "error", err)
		c.setSourceErr(fmt.Errorf("notifying session start: %w", err))
	}
}

func (c *Controller) setSourceErr(err error) {
	c.mu.Lock()
	c.sourceErr = err
	c.mu.Unlock()
	c.poke()
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current state with everything it was derived
// from.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:              c.state,
		SignalingConnected: c.in.signalingConnected,
		SyncedLocally:      c.in.syncedLocally,
		SyncedRemotely:     c.in.syncedRemotely,
		HostOnline:         c.in.hostOnline,
		Peers:              slices.Clone(c.peers),
		Users:              c.awareness.States(),
		SourceErr:          c.sourceErr,
	}
}

// Subscribe calls fn with a fresh snapshot after every event the
// controller handles, from the controller's goroutine. fn must not
// block.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Changes delivers the latest snapshot. Snapshots a slow reader has
// not collected are replaced, never queued.
func (c *Controller) Changes() <-chan Snapshot { return c.changes }

// Document returns the replicated document for reading. Mutate it
// through Edit.
func (c *Controller) Document() *document.Document { return c.document }

// Edit runs fn against the document if the session is Active.
func (c *Controller) Edit(fn func(*document.Document) error) error {
	switch c.State() {
	case Active:
		return fn(c.document)
	case Ended:
		return ErrSessionEnded
	default:
		return ErrNotActive
	}
}

// SetUserName changes the display name shown to other participants.
func (c *Controller) SetUserName(name string) error {
	return c.awareness.SetLocalName(name)
}

// SyncToSource saves the current content to the external source. It
// is the host's manual save and does not change the state.
func (c *Controller) SyncToSource(ctx context.Context) error {
	if !c.session.IsHost {
		return ErrNotHost
	}
	if c.source == nil {
		return ErrNoSource
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.SourceTimeout)
	defer cancel()
	if err := c.source.Put(ctx, c.document.Text()); err != nil {
		err = fmt.Errorf("saving to content source: %w", err)
		c.setSourceErr(err)
		return err
	}
	return nil
}

// Close stops Run, disconnects from every peer and closes the cache.
// It is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		close(c.closed)
		c.mu.Unlock()
		c.awareness.ClearLocal()
		transportErr := c.transport.Close()
		c.running.Wait()
		c.closeErr = errors.Join(transportErr, c.cache.Close())
		c.logger.Info("session controller closed")
	})
	return c.closeErr
}

func sortedKeys(m map[uint64]func(Snapshot)) []uint64 {
	keys := make([]uint64, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
