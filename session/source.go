// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"net/url"
)

// APIVersion is the only content-source API version understood.
const APIVersion = "v1"

// APISettings locates a document in an external content source.
type APISettings struct {
	BaseURL string `json:"baseUrl"`
	FileID  string `json:"fileId"`
	Token   string `json:"token"`
	Version string `json:"version"`
}

// ParseSourceFragment reads content-source settings from a /new
// fragment of the form baseUrl=..&fileId=..&token=..&version=v1.
//
// A fragment lacking any of the four keys yields LocalOnly. A fragment
// with all four keys but an unsupported version or an empty value is
// an error.
func ParseSourceFragment(link string) (Source, error) {
	params, err := url.ParseQuery(fragmentOf(link))
	if err != nil {
		return nil, fmt.Errorf("parsing content source: %w", err)
	}
	for _, key := range []string{"baseUrl", "fileId", "token", "version"} {
		if !params.Has(key) {
			return LocalOnly{}, nil
		}
	}
	if version := params.Get("version"); version != APIVersion {
		return nil, fmt.Errorf("unsupported content source API version %q", version)
	}
	settings := APISettings{
		BaseURL: params.Get("baseUrl"),
		FileID:  params.Get("fileId"),
		Token:   params.Get("token"),
		Version: APIVersion,
	}
	if settings.BaseURL == "" || settings.FileID == "" || settings.Token == "" {
		return nil, fmt.Errorf("invalid content source parameters")
	}
	if parsed, err := url.Parse(settings.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("content source baseUrl %q is not an absolute URL", settings.BaseURL)
	}
	return ExternalSource{Settings: settings}, nil
}

// EncodeSourceFragment is the inverse of ParseSourceFragment.
func EncodeSourceFragment(settings APISettings) string {
	return url.Values{
		"baseUrl": {settings.BaseURL},
		"fileId":  {settings.FileID},
		"token":   {settings.Token},
		"version": {settings.Version},
	}.Encode()
}
