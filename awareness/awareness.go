// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/lib/codec"
)

// MaxNameLength bounds display names, in runes.
const MaxNameLength = 64

// Defaults for Config.
const (
	DefaultHeartbeat     = 15 * time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultCheckInterval = 5 * time.Second
)

// ErrInvalidState is returned for a state that fails validation.
var ErrInvalidState = errors.New("invalid awareness state")

// ClientID identifies one replica's presence entry.
type ClientID uint32

// User is the presence record shown to collaborators.
type User struct {
	Name       string `cbor:"name"`
	Color      string `cbor:"color"`
	ColorLight string `cbor:"color_light"`
	IsHost     bool   `cbor:"is_host"`
}

// State is one client's awareness state.
type State struct {
	User User `cbor:"user"`
}

// Validate checks the fields every peer relies on.
func (s State) Validate() error {
	switch {
	case s.User.Color == "" || s.User.ColorLight == "":
		return fmt.Errorf("%w: missing colour", ErrInvalidState)
	case !utf8.ValidString(s.User.Name):
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidState)
	case utf8.RuneCountInString(s.User.Name) > MaxNameLength:
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalidState, MaxNameLength)
	}
	return nil
}

// Change lists the clients whose state changed in one step. Local is
// true when the local entry changed, which the transport rebroadcasts.
type Change struct {
	Added   []ClientID
	Updated []ClientID
	Removed []ClientID
	Local   bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Config configures an Awareness.
type Config struct {
	Clock clock.Clock

	// Heartbeat, Timeout and CheckInterval default to DefaultHeartbeat,
	// DefaultTimeout and DefaultCheckInterval.
	Heartbeat     time.Duration
	Timeout       time.Duration
	CheckInterval time.Duration

	// ClientID defaults to a random non-zero id.
	ClientID ClientID

	Logger *slog.Logger
}

type entry struct {
	state   *State
	clock   uint64
	updated time.Time
	peer    string
}

// Awareness holds the local state and every known remote state.
type Awareness struct {
	clock         clock.Clock
	heartbeat     time.Duration
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	id            ClientID

	mu        sync.Mutex
	entries   map[ClientID]*entry
	observers map[uint64]func(Change)
	nextObs   uint64
}

// New returns an Awareness with no local state.
func New(cfg Config) *Awareness {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	id := cfg.ClientID
	for id == 0 {
		id = ClientID(rand.Uint32())
	}
	return &Awareness{
		clock:         cfg.Clock,
		heartbeat:     cfg.Heartbeat,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		logger:        cfg.Logger.With("client", uint32(id)),
		id:            id,
		entries:       make(map[ClientID]*entry),
		observers:     make(map[uint64]func(Change)),
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() ClientID { return a.id }

// SetLocalUser replaces the local state.
func (a *Awareness) SetLocalUser(user User) error {
	state := State{User: user}
	if err := state.Validate(); err != nil {
		return err
	}
	a.setLocal(&state)
	return nil
}

// SetLocalName changes only the display name of the local state.
func (a *Awareness) SetLocalName(name string) error {
	a.mu.Lock()
	current := a.entries[a.id]
	if current == nil || current.state == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: no local state to rename", ErrInvalidState)
	}
	next := *current.state
	a.mu.Unlock()

	next.User.Name = name
	if err := next.Validate(); err != nil {
		return err
	}
	a.setLocal(&next)
	return nil
}

// ClearLocal marks the local client as gone. Peers drop it on the next
// broadcast.
func (a *Awareness) ClearLocal() {
	a.setLocal(nil)
}

// LocalState returns the local state, if set.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.entries[a.id]
	if current == nil || current.state == nil {
		return State{}, false
	}
	return *current.state, true
}

// States returns a copy of every live state, including the local one.
func (a *Awareness) States() map[ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[ClientID]State, len(a.entries))
	for id, e := range a.entries {
		if e.state != nil {
			states[id] = *e.state
		}
	}
	return states
}

// Subscribe registers fn for every subsequent Change.
func (a *Awareness) Subscribe(fn func(Change)) (cancel func()) {
	a.mu.Lock()
	a.nextObs++
	id := a.nextObs
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// Run renews the local entry every heartbeat and expires silent remote
// entries until ctx is done.
func (a *Awareness) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.check()
		}
	}
}

func (a *Awareness) check() {
	now := a.clock.Now()
	var change Change

	a.mu.Lock()
	if local := a.entries[a.id]; local != nil && local.state != nil && now.Sub(local.updated) >= a.heartbeat {
		local.clock++
		local.updated = now
		change.Updated = append(change.Updated, a.id)
		change.Local = true
	}
	for id, e := range a.entries {
		if id == a.id || e.state == nil {
			continue
		}
		if now.Sub(e.updated) >= a.timeout {
			e.state = nil
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()

	if len(change.Removed) > 0 {
		a.logger.Debug("awareness entries expired", "clients", change.Removed)
	}
	a.emit(change)
}

// RemovePeerClients drops every entry learned from peer. The transport
// calls it when the connection to peer closes.
func (a *Awareness) RemovePeerClients(peer string) {
	var change Change
	a.mu.Lock()
	for id, e := range a.entries {
		if id != a.id && e.peer == peer && e.state != nil {
			e.state = nil
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()
	a.emit(change)
}

// EncodeLocal encodes the local entry for broadcast.
func (a *Awareness) EncodeLocal() ([]byte, error) {
	return a.Encode([]ClientID{a.id})
}

// EncodeAll encodes every live entry, answering a peer's query.
// Removals are not repeated: a client this replica lost may still be
// reachable by the peer asking.
func (a *Awareness) EncodeAll() ([]byte, error) {
	a.mu.Lock()
	ids := make([]ClientID, 0, len(a.entries))
	for id, e := range a.entries {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	return a.Encode(ids)
}

// Encode encodes the entries for clients.
func (a *Awareness) Encode(clients []ClientID) ([]byte, error) {
	a.mu.Lock()
	update := Update{Entries: make([]Entry, 0, len(clients))}
	for _, id := range clients {
		if e := a.entries[id]; e != nil {
			update.Entries = append(update.Entries, Entry{Client: id, Clock: e.clock, State: e.state})
		}
	}
	a.mu.Unlock()
	return EncodeUpdate(update)
}

// Apply decodes and merges an update received from peer. Malformed
// entries are skipped.
func (a *Awareness) Apply(data []byte, peer string) error {
	update, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	a.ApplyUpdate(update, peer)
	return nil
}

// ApplyUpdate merges a decoded update received from peer.
func (a *Awareness) ApplyUpdate(update Update, peer string) {
	now := a.clock.Now()
	var change Change

	a.mu.Lock()
	for _, incoming := range update.Entries {
		if incoming.State != nil {
			if err := incoming.State.Validate(); err != nil {
				a.logger.Debug("dropping malformed awareness entry", "peer", peer, "from_client", uint32(incoming.Client), "error", err)
				continue
			}
		}
		current := a.entries[incoming.Client]

		if incoming.Client == a.id {
			// A peer believes we left. Renew so it learns otherwise.
			if current != nil && current.state != nil && incoming.State == nil && incoming.Clock >= current.clock {
				current.clock = incoming.Clock + 1
				current.updated = now
				change.Updated = append(change.Updated, a.id)
				change.Local = true
			}
			continue
		}

		accept := current == nil ||
			incoming.Clock > current.clock ||
			(incoming.Clock == current.clock && incoming.State == nil && current.state != nil)
		if !accept {
			continue
		}

		switch {
		case incoming.State == nil:
			if current != nil && current.state != nil {
				change.Removed = append(change.Removed, incoming.Client)
			}
		case current == nil || current.state == nil:
			change.Added = append(change.Added, incoming.Client)
		case *current.state != *incoming.State:
			change.Updated = append(change.Updated, incoming.Client)
		}
		// Renewals with an unchanged state still refresh the expiry.
		a.entries[incoming.Client] = &entry{
			state:   cloneState(incoming.State),
			clock:   incoming.Clock,
			updated: now,
			peer:    peer,
		}
	}
	a.mu.Unlock()
	a.emit(change)
}

func (a *Awareness) setLocal(state *State) {
	now := a.clock.Now()
	var change Change

	a.mu.Lock()
	current := a.entries[a.id]
	switch {
	case current == nil:
		current = &entry{}
		a.entries[a.id] = current
		if state != nil {
			change.Added = append(change.Added, a.id)
		}
	case current.state == nil && state != nil:
		change.Added = append(change.Added, a.id)
	case current.state != nil && state == nil:
		change.Removed = append(change.Removed, a.id)
	case current.state != nil && *current.state != *state:
		change.Updated = append(change.Updated, a.id)
	}
	current.clock++
	current.state = cloneState(state)
	current.updated = now
	a.mu.Unlock()

	change.Local = true
	if change.empty() {
		// Same state re-set still bumps the clock, so peers renew.
		change.Updated = append(change.Updated, a.id)
	}
	a.emit(change)
}

func (a *Awareness) emit(change Change) {
	if change.empty() {
		return
	}
	slices.Sort(change.Added)
	slices.Sort(change.Updated)
	slices.Sort(change.Removed)

	a.mu.Lock()
	observers := make([]func(Change), 0, len(a.observers))
	for _, fn := range a.observers {
		observers = append(observers, fn)
	}
	a.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

func cloneState(state *State) *State {
	if state == nil {
		return nil
	}
	copied := *state
	return &copied
}

// Entry is one client's state on the wire. A nil State means the
// client left.
type Entry struct {
	Client ClientID `cbor:"client"`
	Clock  uint64   `cbor:"clock"`
	State  *State   `cbor:"state"`
}

// Update is a batch of entries.
type Update struct {
	Entries []Entry `cbor:"entries"`
}

// EncodeUpdate encodes update for the peer channel.
func EncodeUpdate(update Update) ([]byte, error) {
	data, err := codec.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encoding awareness update: %w", err)
	}
	return data, nil
}

// DecodeUpdate decodes an update from the peer channel.
func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if err := codec.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("decoding awareness update: %w", err)
	}
	return update, nil
}
