// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/sqlitepool"
	"github.com/bureau-foundation/collabify/lib/testutil"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
	"github.com/bureau-foundation/collabify/transport"
)

const waitTimeout = 5 * time.Second

type fakeSource struct {
	mu       sync.Mutex
	content  string
	getErr   error
	gets     int
	puts     []string
	starts   [][2]string
	stops    int
	released chan struct{}
}

func (f *fakeSource) Get(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.gets++
	release := f.released
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.getErr
}

func (f *fakeSource) Put(_ context.Context, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, markdown)
	return nil
}

func (f *fakeSource) Start(_ context.Context, joinURL, sessionURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, [2]string{joinURL, sessionURL})
	return nil
}

func (f *fakeSource) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) counts() (gets, puts, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, len(f.puts), len(f.starts), f.stops
}

type fakeCache struct {
	synced   chan struct{}
	flushErr error

	mu      sync.Mutex
	flushes int
	closed  bool
}

func newFakeCache() *fakeCache {
	c := &fakeCache{synced: make(chan struct{})}
	close(c.synced)
	return c
}

func (c *fakeCache) Synced() <-chan struct{} { return c.synced }

func (c *fakeCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return c.flushErr
}

func (c *fakeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// participant is one replica of a session wired to a memory network.
type participant struct {
	doc        *document.Document
	controller *Controller
}

type participantConfig struct {
	session *session.Session
	localID string
	name    string
	doc     *document.Document
	source  ContentSource
	cache   Cache
}

func startParticipant(t *testing.T, network *transport.MemoryNetwork, cfg participantConfig) participant {
	t.Helper()
	doc := cfg.doc
	if doc == nil {
		var err error
		doc, err = document.New()
		if err != nil {
			t.Fatalf("document.New: %v", err)
		}
	}
	if cfg.cache == nil {
		cfg.cache = newFakeCache()
	}
	presence := awareness.New(awareness.Config{})
	endpoint, err := network.Endpoint(transport.EndpointConfig{
		Room:      cfg.session.RoomID(),
		Secret:    cfg.session.Secret,
		LocalID:   cfg.localID,
		Document:  doc,
		Awareness: presence,
	})
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	controller, err := New(Config{
		Session:   cfg.session,
		Document:  doc,
		Awareness: presence,
		Cache:     cfg.cache,
		Transport: endpoint,
		Source:    cfg.source,
		Origin:    "https://collabify.example",
		UserName:  cfg.name,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := controller.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		controller.Close()
		<-done
	})
	return participant{doc: doc, controller: controller}
}

func hostSession(t *testing.T, source session.Source) *session.Session {
	t.Helper()
	s, err := session.New(source, time.Now())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func collaboratorOf(host *session.Session) *session.Session {
	return &session.Session{ID: host.ID, Secret: host.Secret, Source: session.LocalOnly{}}
}

func waitState(t *testing.T, p participant, want State) {
	t.Helper()
	testutil.Eventually(t, waitTimeout, func() bool { return p.controller.State() == want },
		"state never became %v (last %v)", want, p.controller.State())
}

func externalSource() session.ExternalSource {
	return session.ExternalSource{Settings: session.APISettings{
		BaseURL: "https://content.example",
		FileID:  "file-1",
		Token:   "token",
		Version: session.APIVersion,
	}}
}

func TestNew_Validation(t *testing.T) {
	doc, err := document.New()
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	network := transport.NewMemoryNetwork()
	host := hostSession(t, externalSource())
	presence := awareness.New(awareness.Config{})
	endpoint, err := network.Endpoint(transport.EndpointConfig{
		Room: host.RoomID(), Secret: host.Secret, Document: doc, Awareness: presence,
	})
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	defer endpoint.Close()

	if _, err := New(Config{Session: host, Document: doc}); err == nil {
		t.Fatal("New without cache or transport succeeded")
	}
	_, err = New(Config{
		Session: host, Document: doc, Awareness: presence, Cache: newFakeCache(), Transport: endpoint,
	})
	if err == nil {
		t.Fatal("New for an external-source host without a source client succeeded")
	}
}

func TestController_HostAloneBecomesActive(t *testing.T) {
	network := transport.NewMemoryNetwork()
	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, session.LocalOnly{}), localID: "host", name: "Ada",
	})

	waitState(t, host, Active)
	if err := host.controller.Edit(func(doc *document.Document) error {
		return doc.Insert(0, "# Plan\n")
	}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := host.doc.Text(); got != "# Plan\n" {
		t.Fatalf("Text() = %q, want %q", got, "# Plan\n")
	}

	snapshot := host.controller.Snapshot()
	if !snapshot.SignalingConnected || !snapshot.SyncedLocally || !snapshot.HostOnline {
		t.Fatalf("Snapshot() = %+v, want signaling, local sync and host online", snapshot)
	}
	if len(snapshot.Users) != 1 {
		t.Fatalf("len(Users) = %d, want 1", len(snapshot.Users))
	}
	for _, state := range snapshot.Users {
		if state.User.Name != "Ada" || !state.User.IsHost || state.User.Color == "" {
			t.Fatalf("local user = %+v, want host Ada with a colour", state.User)
		}
	}
}

func TestController_EditBeforeActive(t *testing.T) {
	network := transport.NewMemoryNetwork()
	network.SetOnline(false)
	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, session.LocalOnly{}), localID: "host",
	})

	// Offline and never shown, so the controller stays in Connecting.
	select {
	case snapshot := <-host.controller.Changes():
		if snapshot.State != Connecting {
			t.Fatalf("State = %v, want %v", snapshot.State, Connecting)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no snapshot delivered")
	}
	err := host.controller.Edit(func(*document.Document) error { return nil })
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("Edit() error = %v, want %v", err, ErrNotActive)
	}

	network.SetOnline(true)
	waitState(t, host, Active)
}

func TestController_CollaboratorWaitsForPeer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, session.LocalOnly{})

	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator", name: "Grace",
	})
	testutil.Eventually(t, waitTimeout, func() bool {
		return collaborator.controller.Snapshot().SignalingConnected
	}, "collaborator never reached signaling")
	if got := collaborator.controller.State(); got != SyncingLocal {
		t.Fatalf("alone collaborator State() = %v, want %v", got, SyncingLocal)
	}

	host := startParticipant(t, network, participantConfig{
		session: hostSess, localID: "host", name: "Ada",
	})
	waitState(t, host, Active)
	if err := host.controller.Edit(func(doc *document.Document) error {
		return doc.Insert(0, "shared")
	}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	waitState(t, collaborator, Active)
	testutil.Eventually(t, waitTimeout, func() bool { return collaborator.doc.Text() == "shared" },
		"collaborator never received the host's text")
	testutil.Eventually(t, waitTimeout, func() bool { return len(host.controller.Snapshot().Users) == 2 },
		"host never saw the collaborator's presence")
}

func TestController_CollaboratorOfUneditedHostBecomesActive(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, session.LocalOnly{})

	host := startParticipant(t, network, participantConfig{session: hostSess, localID: "host"})
	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator",
	})

	waitState(t, host, Active)
	waitState(t, collaborator, Active)
	snapshot := collaborator.controller.Snapshot()
	if !snapshot.SyncedRemotely {
		t.Fatal("active collaborator not synced with the host")
	}
	if collaborator.doc.Text() != "" {
		t.Fatalf("collaborator text = %q, want empty", collaborator.doc.Text())
	}
}

func TestController_LoadsInitialContentOnce(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, externalSource())
	source := &fakeSource{content: "# From the source\n", released: make(chan struct{})}

	host := startParticipant(t, network, participantConfig{
		session: hostSess, localID: "host", source: source,
	})
	waitState(t, host, LoadingInitialContent)
	err := host.controller.Edit(func(*document.Document) error { return nil })
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("Edit() while loading error = %v, want %v", err, ErrNotActive)
	}
	close(source.released)

	waitState(t, host, Active)
	if got := host.doc.Text(); got != "# From the source\n" {
		t.Fatalf("Text() = %q, want the source content", got)
	}
	if !host.doc.Status().LoadedInitialMarkdown {
		t.Fatal("LoadedInitialMarkdown not set after loading")
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		_, _, starts, _ := source.counts()
		return starts == 1
	}, "start was never reported")

	source.mu.Lock()
	start := source.starts[0]
	source.mu.Unlock()
	if start[0] != session.JoinURL("https://collabify.example", hostSess) {
		t.Fatalf("join URL = %q, want %q", start[0], session.JoinURL("https://collabify.example", hostSess))
	}
	if !strings.Contains(start[1], hostSess.ID) || strings.Contains(start[1], hostSess.Secret) {
		t.Fatalf("session URL = %q, want the id and not the secret", start[1])
	}

	// Reopening on the same document must not fetch again.
	host.controller.Close()
	reopenedSource := &fakeSource{content: "# Newer\n"}
	reopened := startParticipant(t, network, participantConfig{
		session: hostSess, localID: "host-reopened", doc: host.doc, source: reopenedSource,
	})
	waitState(t, reopened, Active)
	if gets, _, _, _ := reopenedSource.counts(); gets != 0 {
		t.Fatalf("reopened host fetched %d times, want 0", gets)
	}
	if got := reopened.doc.Text(); got != "# From the source\n" {
		t.Fatalf("Text() after reopen = %q, want the original content", got)
	}
}

func TestController_InitialContentFailureIsNotFatal(t *testing.T) {
	network := transport.NewMemoryNetwork()
	source := &fakeSource{getErr: errors.New("unreachable")}
	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, externalSource()), localID: "host", source: source,
	})

	waitState(t, host, Active)
	if host.doc.Status().LoadedInitialMarkdown {
		t.Fatal("LoadedInitialMarkdown set after a failed load")
	}
	if err := host.controller.Snapshot().SourceErr; err == nil {
		t.Fatal("SourceErr = nil after a failed load")
	}
	if _, _, starts, _ := source.counts(); starts != 0 {
		t.Fatalf("start reported %d times after a failed load, want 0", starts)
	}
}

func TestController_EndSessionReachesCollaborators(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, externalSource())
	source := &fakeSource{content: "draft"}
	cache := newFakeCache()

	host := startParticipant(t, network, participantConfig{
		session: hostSess, localID: "host", source: source, cache: cache,
	})
	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator",
	})
	waitState(t, host, Active)
	waitState(t, collaborator, Active)

	if err := collaborator.controller.EndSession(context.Background()); !errors.Is(err, ErrNotHost) {
		t.Fatalf("collaborator EndSession() error = %v, want %v", err, ErrNotHost)
	}
	if err := host.controller.Edit(func(doc *document.Document) error {
		return doc.Insert(doc.Len(), " final")
	}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := host.controller.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	waitState(t, host, Ended)
	waitState(t, collaborator, Ended)
	err := collaborator.controller.Edit(func(*document.Document) error { return nil })
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Edit() after end error = %v, want %v", err, ErrSessionEnded)
	}

	_, puts, _, stops := source.counts()
	if puts != 1 || stops != 1 {
		t.Fatalf("puts, stops = %d, %d, want 1, 1", puts, stops)
	}
	source.mu.Lock()
	saved := source.puts[0]
	source.mu.Unlock()
	if saved != "draft final" {
		t.Fatalf("saved content = %q, want %q", saved, "draft final")
	}

	if err := host.controller.EndSession(context.Background()); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if _, puts, _, stops := source.counts(); puts != 1 || stops != 1 {
		t.Fatalf("second EndSession called the source again: puts, stops = %d, %d", puts, stops)
	}
}

func TestController_EndSessionUnconfirmed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	source := &fakeSource{}
	cache := newFakeCache()
	cache.flushErr = errors.New("disk full")

	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, externalSource()), localID: "host", source: source, cache: cache,
	})
	waitState(t, host, Active)

	err := host.controller.EndSession(context.Background())
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("EndSession() error = %v, want %v", err, ErrSyncTimeout)
	}
	cache.mu.Lock()
	flushes := cache.flushes
	cache.mu.Unlock()
	if flushes != DefaultFlushAttempts {
		t.Fatalf("flushes = %d, want %d", flushes, DefaultFlushAttempts)
	}
	if _, _, _, stops := source.counts(); stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}
	waitState(t, host, Ended)
}

func TestController_HostOffline(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, session.LocalOnly{})

	host := startParticipant(t, network, participantConfig{session: hostSess, localID: "host"})
	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator",
	})
	waitState(t, collaborator, Active)

	if err := host.controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitState(t, collaborator, HostOffline)
	if err := collaborator.controller.Edit(func(*document.Document) error { return nil }); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Edit() while host offline error = %v, want %v", err, ErrNotActive)
	}

	startParticipant(t, network, participantConfig{session: hostSess, localID: "host-back", doc: host.doc})
	waitState(t, collaborator, Active)
}

func TestController_HostOnlyOperations(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, session.LocalOnly{})
	host := startParticipant(t, network, participantConfig{session: hostSess, localID: "host"})
	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator",
	})

	if err := host.controller.SyncToSource(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("local-only SyncToSource() error = %v, want %v", err, ErrNoSource)
	}
	if err := collaborator.controller.SyncToSource(context.Background()); !errors.Is(err, ErrNotHost) {
		t.Fatalf("collaborator SyncToSource() error = %v, want %v", err, ErrNotHost)
	}
}

func TestController_SyncToSource(t *testing.T) {
	network := transport.NewMemoryNetwork()
	source := &fakeSource{content: "v1"}
	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, externalSource()), localID: "host", source: source,
	})
	waitState(t, host, Active)

	if err := host.controller.Edit(func(doc *document.Document) error { return doc.Replace("v2") }); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := host.controller.SyncToSource(context.Background()); err != nil {
		t.Fatalf("SyncToSource: %v", err)
	}
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.puts) != 1 || source.puts[0] != "v2" {
		t.Fatalf("puts = %q, want [v2]", source.puts)
	}
}

func TestController_SetUserName(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hostSess := hostSession(t, session.LocalOnly{})
	host := startParticipant(t, network, participantConfig{session: hostSess, localID: "host", name: "Ada"})
	collaborator := startParticipant(t, network, participantConfig{
		session: collaboratorOf(hostSess), localID: "collaborator", name: "Grace",
	})
	waitState(t, collaborator, Active)

	if err := host.controller.SetUserName("Ada L."); err != nil {
		t.Fatalf("SetUserName: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		for _, state := range collaborator.controller.Snapshot().Users {
			if state.User.IsHost && state.User.Name == "Ada L." {
				return true
			}
		}
		return false
	}, "collaborator never saw the new name")
}

func TestController_Subscribe(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seen := make(chan State, 64)
	host := startParticipant(t, network, participantConfig{
		session: hostSession(t, session.LocalOnly{}), localID: "host",
	})
	cancel := host.controller.Subscribe(func(s Snapshot) {
		select {
		case seen <- s.State:
		default:
		}
	})
	defer cancel()

	waitState(t, host, Active)
	if err := host.controller.SetUserName("ping"); err != nil {
		t.Fatalf("SetUserName: %v", err)
	}
	for {
		if state := testutil.RequireReceive(t, seen, waitTimeout, "no snapshot delivered"); state == Active {
			return
		}
	}
}

func TestController_PersistedEnd(t *testing.T) {
	ctx := context.Background()
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:   testutil.TempDatabase(t),
		Schema: []string{persistence.Schema},
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	hostSess := hostSession(t, session.LocalOnly{})
	doc, err := document.New()
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	handle, err := persistence.Open(ctx, persistence.Config{Pool: pool, Room: hostSess.RoomID(), Document: doc})
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}

	network := transport.NewMemoryNetwork()
	host := startParticipant(t, network, participantConfig{
		session: hostSess, localID: "host", doc: doc, cache: handle,
	})
	waitState(t, host, Active)
	if err := host.controller.Edit(func(doc *document.Document) error { return doc.Insert(0, "kept") }); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := host.controller.EndSession(ctx); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := host.controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := document.New()
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	again, err := persistence.Open(ctx, persistence.Config{Pool: pool, Room: hostSess.RoomID(), Document: reloaded})
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer again.Close()
	testutil.RequireClosed(t, again.Synced(), waitTimeout, "cache never synced")

	if !reloaded.Status().Ended {
		t.Fatal("reloaded document is not ended")
	}
	if got := reloaded.Text(); got != "kept" {
		t.Fatalf("reloaded Text() = %q, want %q", got, "kept")
	}
}
