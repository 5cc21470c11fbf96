// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/collabify/lib/config"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromConfig converts configured ICE servers into pion
// entries. With none configured only host candidates are gathered,
// which is enough on one machine or one LAN.
func ICEConfigFromConfig(servers []config.ICEServer) ICEConfig {
	if len(servers) == 0 {
		return ICEConfig{}
	}
	converted := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: server.URLs, Username: server.Username}
		if server.Credential != "" {
			entry.Credential = server.Credential
			entry.CredentialType = webrtc.ICECredentialTypePassword
		}
		converted = append(converted, entry)
	}
	return ICEConfig{Servers: converted}
}
