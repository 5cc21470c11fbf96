// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/collabify/lib/netutil"
	"github.com/bureau-foundation/collabify/session"
)

const markdownType = "text/markdown"

// ErrStatus matches every *StatusError with errors.Is.
var ErrStatus = errors.New("content source returned an error status")

// StatusError is a non-2xx response from the content source.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	message := fmt.Sprintf("content source: %s %s: HTTP %d", err.Method, err.Path, err.StatusCode)
	if err.Body != "" {
		message += ": " + strings.TrimSpace(err.Body)
	}
	return message
}

func (err *StatusError) Is(target error) bool { return target == ErrStatus }

// Config holds configuration for creating a Client.
type Config struct {
	Settings session.APISettings

	// HTTPClient is used for all requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to one document of a content source.
type Client struct {
	baseURL    string
	fileID     string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates settings and returns a client.
func NewClient(config Config) (*Client, error) {
	settings := config.Settings
	if settings.Version != session.APIVersion {
		return nil, fmt.Errorf("content source: unsupported API version %q", settings.Version)
	}
	if settings.FileID == "" || settings.Token == "" {
		return nil, fmt.Errorf("content source: file id and token are required")
	}
	parsed, err := url.Parse(settings.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("content source: base URL %q is not absolute", settings.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    strings.TrimRight(settings.BaseURL, "/") + "/" + settings.Version,
		fileID:     settings.FileID,
		token:      settings.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Get fetches the document's markdown. An empty response (204, or a
// zero Content-Length) is the empty document.
func (client *Client) Get(ctx context.Context) (string, error) {
	response, err := client.do(ctx, http.MethodGet, client.filePath(), nil, func(request *http.Request) {
		request.Header.Set("Accept", markdownType)
	})
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent || response.ContentLength == 0 {
		return "", nil
	}
	body, err := netutil.ReadBody(response.Body, netutil.MaxDocumentSize)
	if err != nil {
		return "", fmt.Errorf("content source: %w", err)
	}
	return string(body), nil
}

// Put replaces the document's markdown.
func (client *Client) Put(ctx context.Context, markdown string) error {
	return client.send(ctx, http.MethodPut, client.filePath(), strings.NewReader(markdown), markdownType)
}

type startRequest struct {
	JoinURL string `json:"joinUrl"`
	URL     string `json:"url"`
}

// Start reports that a session has started, with the link
// collaborators join through and the link the host reopens it with.
func (client *Client) Start(ctx context.Context, joinURL, sessionURL string) error {
	body, err := json.Marshal(startRequest{JoinURL: joinURL, URL: sessionURL})
	if err != nil {
		return fmt.Errorf("content source: encoding start request: %w", err)
	}
	return client.send(ctx, http.MethodPost, "/session", bytes.NewReader(body), "application/json")
}

// Stop reports that the session has ended.
func (client *Client) Stop(ctx context.Context) error {
	return client.send(ctx, http.MethodPost, "/stop", nil, "")
}

func (client *Client) filePath() string {
	return "/file/" + url.PathEscape(client.fileID)
}

func (client *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) error {
	response, err := client.do(ctx, method, path, body, func(request *http.Request) {
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}
	})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	response.Body.Close()
	return nil
}

// do sends an authenticated request. Non-2xx responses are returned
// as *StatusError with the body closed.
func (client *Client) do(ctx context.Context, method, path string, body io.Reader, prepare func(*http.Request)) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("content source: building %s %s: %w", method, path, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	prepare(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("content source: %s %s: %w", method, path, err)
	}
	client.logger.Debug("content source request", "method", method, "path", path, "status", response.StatusCode)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
		}
	}
	return response, nil
}
