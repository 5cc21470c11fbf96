// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the collabify YAML configuration.
//
// The file is named by --config or the COLLABIFY_CONFIG environment
// variable. There is no search path. When neither is set the built-in
// [Default] applies, which points at a relay on localhost and stores
// data under ~/.local/share/collabify.
//
// A file may carry development and production sections that override
// base values when environment matches. ${HOME}, ${COLLABIFY_DATA} and
// ${VAR:-default} are expanded in path fields after overrides apply.
//
// ICE servers can be listed inline or loaded from a JSON-with-comments
// file (transport.ice_servers_file), the same shape browsers accept
// for RTCConfiguration.iceServers.
package config
