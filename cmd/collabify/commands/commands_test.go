// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/collabify/collab"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/config"
	"github.com/bureau-foundation/collabify/lib/sealed"
	"github.com/bureau-foundation/collabify/lib/secret"
	"github.com/bureau-foundation/collabify/lib/sqlitepool"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
)

const testOrigin = "https://collabify.test"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "collabify.yaml")
	content := "paths:\n  data: " + filepath.Join(dir, "data") + "\nlinks:\n  origin: " + testOrigin + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Root(&out).Execute(append(args, "--config", configPath))
	return out.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := run(t, configPath, args...)
	if err != nil {
		t.Fatalf("collabify %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// field returns the value of a "name: value" output line.
func field(t *testing.T, out, name string) string {
	t.Helper()
	for line := range strings.Lines(out) {
		if value, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(value)
		}
	}
	t.Fatalf("no %q line in output:\n%s", name, out)
	return ""
}

// hostDetached creates a hosted session and returns its id and join link.
func hostDetached(t *testing.T, configPath string) (string, string) {
	t.Helper()
	out := mustRun(t, configPath, "new", "--detach")
	return field(t, out, "id"), field(t, out, "join")
}

// seedCache writes content into the local cache of id as if a replica
// had edited it.
func seedCache(t *testing.T, configPath, id, content string) {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:   cfg.Paths.Database(),
		Schema: []string{session.Schema, persistence.Schema},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	defer pool.Close()

	doc, err := document.New()
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	handle, err := persistence.Open(ctx, persistence.Config{Pool: pool, Room: session.RoomID(id), Document: doc})
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	select {
	case <-handle.Synced():
	case <-time.After(5 * time.Second):
		t.Fatal("cache did not load")
	}
	if err := doc.Replace(content); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := handle.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewDetachPrintsLinks(t *testing.T) {
	configPath := writeConfig(t)
	out := mustRun(t, configPath, "new", "--detach")

	id := field(t, out, "id")
	joinID, secretValue, err := session.DecodeJoinFragment(field(t, out, "join"))
	if err != nil {
		t.Fatalf("join link: %v", err)
	}
	if joinID != id {
		t.Fatalf("join link id = %q, want %q", joinID, id)
	}
	if !strings.HasPrefix(field(t, out, "join"), testOrigin+"/") {
		t.Fatalf("join link %q is not under %s", field(t, out, "join"), testOrigin)
	}
	open := field(t, out, "open")
	if strings.Contains(open, secretValue) {
		t.Fatalf("session link %q carries the secret", open)
	}
	if decoded, err := session.DecodeSessionFragment(open); err != nil || decoded != id {
		t.Fatalf("session link decodes to %q, %v; want %q", decoded, err, id)
	}
}

func TestNewRejectsArguments(t *testing.T) {
	if _, err := run(t, writeConfig(t), "new", "stray"); err == nil {
		t.Fatal("new with an argument succeeded")
	}
}

func TestLinkPrintsRecordedLinks(t *testing.T) {
	configPath := writeConfig(t)
	id, join := hostDetached(t, configPath)

	out := mustRun(t, configPath, "link", id)
	if got := field(t, out, "join"); got != join {
		t.Fatalf("join = %q, want %q", got, join)
	}

	out = mustRun(t, configPath, "link", testOrigin+"/session#id="+id, "--join-only")
	if strings.TrimSpace(out) != join {
		t.Fatalf("--join-only printed %q, want %q", out, join)
	}
}

func TestLinkUnknownSession(t *testing.T) {
	_, err := run(t, writeConfig(t), "link", "AAAAAAAAAA")
	if !errors.Is(err, session.ErrMissingSessionRecord) {
		t.Fatalf("link unknown = %v, want ErrMissingSessionRecord", err)
	}
}

func TestSessionsListAndForget(t *testing.T) {
	configPath := writeConfig(t)
	if out := mustRun(t, configPath, "sessions", "list"); strings.TrimSpace(out) != "no sessions" {
		t.Fatalf("empty list printed %q", out)
	}

	hosted, _ := hostDetached(t, configPath)
	other := session.Session{ID: "Joined1234", Secret: strings.Repeat("s", 32)}
	joinLink := session.JoinURL(testOrigin, &other)
	out := mustRun(t, configPath, "join", joinLink, "--detach")
	if !strings.Contains(out, "joined session Joined1234 as collaborator") {
		t.Fatalf("join printed %q", out)
	}

	out = mustRun(t, configPath, "sessions", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("list printed %d lines, want header and two sessions:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("header = %q", lines[0])
	}
	for _, want := range []string{hosted + " ", "host", "Joined1234", "collaborator", "local"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}

	seedCache(t, configPath, hosted, "cached")
	mustRun(t, configPath, "sessions", "forget", hosted)
	out = mustRun(t, configPath, "sessions", "list")
	if strings.Contains(out, hosted) {
		t.Fatalf("forgotten session still listed:\n%s", out)
	}
	if _, err := run(t, configPath, "export", hosted, "--output", "-"); !errors.Is(err, session.ErrMissingSessionRecord) {
		t.Fatalf("export of forgotten session = %v, want ErrMissingSessionRecord", err)
	}
}

func TestJoinRejectsSecretMismatch(t *testing.T) {
	configPath := writeConfig(t)
	first := session.Session{ID: "Joined1234", Secret: strings.Repeat("a", 32)}
	mustRun(t, configPath, "join", session.JoinURL(testOrigin, &first), "--detach")

	second := session.Session{ID: "Joined1234", Secret: strings.Repeat("b", 32)}
	_, err := run(t, configPath, "join", session.JoinURL(testOrigin, &second), "--detach")
	if !errors.Is(err, session.ErrSecretMismatch) {
		t.Fatalf("join with other secret = %v, want ErrSecretMismatch", err)
	}
}

func TestExportMarkdown(t *testing.T) {
	configPath := writeConfig(t)
	id, _ := hostDetached(t, configPath)
	seedCache(t, configPath, id, "# My Notes\n\nhello")

	out := mustRun(t, configPath, "export", id, "--output", "-")
	if out != "# My Notes\n\nhello\n" {
		t.Fatalf("export = %q, want the cached markdown", out)
	}

	t.Chdir(t.TempDir())
	out = mustRun(t, configPath, "export", id)
	if strings.TrimSpace(out) != "wrote my-notes.md" {
		t.Fatalf("export printed %q", out)
	}
	data, err := os.ReadFile("my-notes.md")
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if string(data) != "# My Notes\n\nhello\n" {
		t.Fatalf("file = %q", data)
	}
}

func TestExportHTML(t *testing.T) {
	configPath := writeConfig(t)
	id, _ := hostDetached(t, configPath)
	seedCache(t, configPath, id, "# Plan\n\n- one\n- two")

	path := filepath.Join(t.TempDir(), "plan.html")
	mustRun(t, configPath, "export", id, "--format", "html", "--output", path)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	for _, want := range []string{"<title>Plan</title>", "<h1 id=", "<li>one</li>"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("html missing %q:\n%s", want, data)
		}
	}
}

func TestExportSealedWithSessionSecret(t *testing.T) {
	configPath := writeConfig(t)
	id, join := hostDetached(t, configPath)
	seedCache(t, configPath, id, "secret plans")

	out := mustRun(t, configPath, "export", id, "--format", "age", "--work-factor", "10", "--output", "-")
	if !sealed.IsArmored([]byte(out)) {
		t.Fatalf("sealed export is not armored:\n%s", out)
	}

	_, secretValue, err := session.DecodeJoinFragment(join)
	if err != nil {
		t.Fatalf("join link: %v", err)
	}
	passphrase, err := secret.NewFromBytes([]byte(secretValue))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer passphrase.Close()
	plaintext, err := sealed.DecryptPassphrase([]byte(out), passphrase)
	if err != nil {
		t.Fatalf("DecryptPassphrase: %v", err)
	}
	defer plaintext.Close()
	if got := string(plaintext.Bytes()); got != "secret plans\n" {
		t.Fatalf("decrypted = %q", got)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	configPath := writeConfig(t)
	id, _ := hostDetached(t, configPath)
	if _, err := run(t, configPath, "export", id, "--format", "pdf"); err == nil {
		t.Fatal("export --format pdf succeeded")
	}
}

func TestHostOnlyCommandsRefuseCollaborators(t *testing.T) {
	configPath := writeConfig(t)
	joined := session.Session{ID: "Joined1234", Secret: strings.Repeat("s", 32)}
	mustRun(t, configPath, "join", session.JoinURL(testOrigin, &joined), "--detach")

	for _, command := range []string{"end", "sync"} {
		_, err := run(t, configPath, command, "Joined1234")
		if !errors.Is(err, collab.ErrNotHost) {
			t.Fatalf("%s as collaborator = %v, want ErrNotHost", command, err)
		}
	}
}

func TestSyncWithoutSource(t *testing.T) {
	configPath := writeConfig(t)
	id, _ := hostDetached(t, configPath)
	_, err := run(t, configPath, "sync", id)
	if !errors.Is(err, collab.ErrNoSource) {
		t.Fatalf("sync of local-only session = %v, want ErrNoSource", err)
	}
}

func TestUnknownCommandSuggests(t *testing.T) {
	_, err := run(t, writeConfig(t), "exprot")
	if err == nil || !strings.Contains(err.Error(), `did you mean "export"`) {
		t.Fatalf("exprot = %v, want a suggestion for export", err)
	}
}
