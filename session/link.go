// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// JoinPath is the web client route for join links.
	JoinPath = "/join"

	// SessionPath is the web client route for session links.
	SessionPath = "/session"

	// NewPath is the web client route that starts a session, optionally
	// with content-source settings in its fragment.
	NewPath = "/new"
)

// EncodeJoinFragment returns "secret=<secret>.<id>", URL-encoded.
func EncodeJoinFragment(s *Session) string {
	return url.Values{"secret": {s.Secret + "." + s.ID}}.Encode()
}

// DecodeJoinFragment extracts id and secret from a join fragment or a
// full join URL. The id is everything after the last '.'.
func DecodeJoinFragment(link string) (id, secret string, err error) {
	params, err := url.ParseQuery(fragmentOf(link))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	value := params.Get("secret")
	if value == "" {
		return "", "", fmt.Errorf("%w: the link does not contain a secret", ErrInvalidLink)
	}
	dot := strings.LastIndexByte(value, '.')
	if dot < 0 {
		return "", "", fmt.Errorf("%w: the secret is missing its session id", ErrInvalidLink)
	}
	secret, id = value[:dot], value[dot+1:]
	if !validID(id) || !validSecret(secret) {
		return "", "", fmt.Errorf("%w: malformed id or secret", ErrInvalidLink)
	}
	return id, secret, nil
}

// EncodeSessionFragment returns "id=<id>". It never carries the secret.
func EncodeSessionFragment(s *Session) string {
	return url.Values{"id": {s.ID}}.Encode()
}

// DecodeSessionFragment extracts the id from a session fragment or a
// full session URL. A bare id is accepted too.
func DecodeSessionFragment(link string) (string, error) {
	fragment := fragmentOf(link)
	if validID(fragment) {
		return fragment, nil
	}
	params, err := url.ParseQuery(fragment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	id := params.Get("id")
	if id == "" {
		return "", fmt.Errorf("%w: the link does not contain an id", ErrInvalidLink)
	}
	if !validID(id) {
		return "", fmt.Errorf("%w: malformed id %q", ErrInvalidLink, id)
	}
	return id, nil
}

// JoinURL returns the shareable join URL under origin.
func JoinURL(origin string, s *Session) string {
	return strings.TrimSuffix(origin, "/") + JoinPath + "#" + EncodeJoinFragment(s)
}

// SessionURL returns the secret-free session URL under origin.
func SessionURL(origin string, s *Session) string {
	return strings.TrimSuffix(origin, "/") + SessionPath + "#" + EncodeSessionFragment(s)
}

// fragmentOf returns the part of link after '#', or link itself when
// there is no '#'.
func fragmentOf(link string) string {
	if index := strings.IndexByte(link, '#'); index >= 0 {
		return link[index+1:]
	}
	return link
}
