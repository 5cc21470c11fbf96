// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bureau-foundation/collabify/api"
	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/collab"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
	"github.com/bureau-foundation/collabify/transport"
)

// replica is one running participant: the document, its local cache,
// the mesh to the other participants, and the controller over them.
type replica struct {
	session    *session.Session
	document   *document.Document
	controller *collab.Controller
	done       chan error
	cancel     context.CancelFunc
}

// startReplica wires a session to the configured relays and starts
// its controller. Stop it with close.
func (e *environment) startReplica(ctx context.Context, sess *session.Session, userName string) (*replica, error) {
	logger := e.logger.With("session", sess.ID)
	doc, err := document.New()
	if err != nil {
		return nil, err
	}

	handle, err := persistence.Open(ctx, persistence.Config{
		Pool:     e.pool,
		Room:     sess.RoomID(),
		Document: doc,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening local cache: %w", err)
	}

	presence := awareness.New(awareness.Config{
		Clock:     e.clock,
		Heartbeat: e.config.Awareness.Heartbeat,
		Timeout:   e.config.Awareness.Timeout,
		Logger:    logger,
	})

	signaler, err := transport.NewRelaySignaler(transport.RelayConfig{
		URLs:   e.config.Transport.Signaling,
		Clock:  e.clock,
		Logger: logger,
	})
	if err != nil {
		handle.Close()
		return nil, err
	}
	mesh, err := transport.NewMesh(transport.MeshConfig{
		Room:      sess.RoomID(),
		Secret:    sess.Secret,
		Signaler:  signaler,
		ICE:       transport.ICEConfigFromConfig(e.config.Transport.ICEServers),
		Document:  doc,
		Awareness: presence,
		MaxPeers:  e.config.Transport.MaxPeers,
		Clock:     e.clock,
		Logger:    logger,
	})
	if err != nil {
		signaler.Close()
		handle.Close()
		return nil, err
	}

	var source collab.ContentSource
	if settings, ok := sess.External(); ok && sess.IsHost {
		client, err := api.NewClient(api.Config{Settings: settings, Logger: logger})
		if err != nil {
			mesh.Close()
			handle.Close()
			return nil, err
		}
		source = client
	}

	if userName == "" {
		userName = e.config.User.Name
	}
	controller, err := collab.New(collab.Config{
		Session:   sess,
		Document:  doc,
		Awareness: presence,
		Cache:     handle,
		Transport: mesh,
		Source:    source,
		Origin:    e.config.Links.Origin,
		UserName:  userName,
		Clock:     e.clock,
		Logger:    logger,
	})
	if err != nil {
		mesh.Close()
		handle.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &replica{
		session:    sess,
		document:   doc,
		controller: controller,
		done:       make(chan error, 1),
		cancel:     cancel,
	}
	go func() { r.done <- controller.Run(runCtx) }()
	return r, nil
}

// close stops the controller and releases the mesh and the cache.
func (r *replica) close() error {
	r.cancel()
	err := r.controller.Close()
	return errors.Join(<-r.done, err)
}

// waitFor blocks until the controller reaches one of states or the
// timeout passes.
func (r *replica) waitFor(ctx context.Context, timeout time.Duration, states ...collab.State) (collab.State, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		current := r.controller.State()
		if slices.Contains(states, current) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, fmt.Errorf("session still %s after %s", current, timeout)
		case <-r.controller.Changes():
		}
	}
}
