// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package lighthouse is a client for the out-of-band directory service
// nodes use to register their reachable address, look up a peer's
// address by id, list existing connections, and discover other known
// peers — all authenticated with a detached signature from the node's
// long-term identity rather than a session token.
package lighthouse

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sage-x-project/sage-net/identity"
)

// ErrRequest wraps any failure making or decoding an HTTP round trip.
var ErrRequest = errors.New("lighthouse: request failed")

// ErrBadInfoString is returned when an info string fails to decode.
var ErrBadInfoString = errors.New("lighthouse: malformed info string")

// Client talks to one lighthouse server on behalf of a local identity.
type Client struct {
	baseURL string
	http    *http.Client
	id      *identity.Identity
}

// New returns a Client for the lighthouse at baseURL, signing every
// request with id.
func New(baseURL string, id *identity.Identity, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		id:      id,
	}
}

type registerRequest struct {
	Endpoint  string `json:"endpoint"`
	PubKey    string `json:"pubkey"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type registerResponse struct {
	ID string `json:"id"`
}

// Register announces endpoint (host:port, typically STUN-discovered) to
// the lighthouse, returning the node id it was assigned.
func (c *Client) Register(ctx context.Context, endpoint string) (string, error) {
	now := time.Now().Unix()
	sig, err := c.id.Sign([]byte(fmt.Sprintf("%s-%d", endpoint, now)))
	if err != nil {
		return "", fmt.Errorf("lighthouse: sign register payload: %w", err)
	}
	armored, err := c.id.ArmoredPublicKey()
	if err != nil {
		return "", fmt.Errorf("lighthouse: export public key: %w", err)
	}

	var resp registerResponse
	if err := c.post(ctx, "/register", registerRequest{
		Endpoint:  endpoint,
		PubKey:    armored,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: now,
	}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type lookupRequest struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

type lookupResponse struct {
	Endpoint string `json:"endpoint"`
}

// Lookup resolves a registered node id to its last-known endpoint.
func (c *Client) Lookup(ctx context.Context, id, fingerprint string) (string, error) {
	var resp lookupResponse
	if err := c.post(ctx, "/lookup", lookupRequest{ID: id, Fingerprint: fingerprint}, &resp); err != nil {
		return "", err
	}
	return resp.Endpoint, nil
}

type listConnsRequest struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type listConnsResponse struct {
	Conns [][2]string `json:"conns"`
}

// ListConns returns the (fingerprint, endpoint) pairs the lighthouse has
// on file for id, authenticated by a signature over id and a timestamp.
func (c *Client) ListConns(ctx context.Context, id string) ([][2]string, error) {
	now := time.Now().Unix()
	sig, err := c.id.Sign([]byte(fmt.Sprintf("%s-%d", id, now)))
	if err != nil {
		return nil, fmt.Errorf("lighthouse: sign listconns payload: %w", err)
	}

	var resp listConnsResponse
	if err := c.post(ctx, "/listconns", listConnsRequest{
		ID:        id,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: now,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Conns, nil
}

type peersRequest struct {
	Fingerprint string `json:"fingerprint"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`
}

// KnownPeer is one entry in a ListKnownPeers response.
type KnownPeer struct {
	Fingerprint string `json:"fingerprint"`
	Endpoint    string `json:"endpoint"`
}

type peersResponse struct {
	Peers []KnownPeer `json:"peers"`
}

// ListKnownPeers asks the lighthouse which other peers it knows about,
// beyond the direct connection list ListConns reports. This restores an
// operation the Rust lighthouse-protocol crate's
// ListPotentialPeersPayload/Response supported but which the distilled
// spec's three-operation summary omitted.
func (c *Client) ListKnownPeers(ctx context.Context, fingerprint string) ([]KnownPeer, error) {
	now := time.Now().Unix()
	sig, err := c.id.Sign([]byte(fmt.Sprintf("%d", now)))
	if err != nil {
		return nil, fmt.Errorf("lighthouse: sign peers payload: %w", err)
	}

	var resp peersResponse
	if err := c.post(ctx, "/peers", peersRequest{
		Fingerprint: fingerprint,
		Signature:   base64.StdEncoding.EncodeToString(sig),
		Timestamp:   now,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrRequest, path, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRequest, err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequest, err)
	}
	return nil
}

// infoString is the out-of-band payload exchanged to bootstrap a
// lighthouse-mediated connection: a fingerprint, the lighthouse URL to
// query, and the id the peer registered under.
type infoString struct {
	Fingerprint string `json:"f"`
	LighthouseURL string `json:"l"`
	ID string `json:"i"`
}

// EncodeInfoString packs fingerprint, lighthouseURL, and id into a
// base64(JSON) blob suitable for sharing out-of-band (QR code, chat
// message, etc).
func EncodeInfoString(fingerprint, lighthouseURL, id string) (string, error) {
	raw, err := json.Marshal(infoString{Fingerprint: fingerprint, LighthouseURL: lighthouseURL, ID: id})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadInfoString, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeInfoString is the inverse of EncodeInfoString, returning
// (fingerprint, lighthouseURL, id).
func DecodeInfoString(s string) (fingerprint, lighthouseURL, id string, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(s)
	if decErr != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrBadInfoString, decErr)
	}
	var info infoString
	if jsonErr := json.Unmarshal(raw, &info); jsonErr != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrBadInfoString, jsonErr)
	}
	if info.Fingerprint == "" || info.LighthouseURL == "" || info.ID == "" {
		return "", "", "", ErrBadInfoString
	}
	return info.Fingerprint, info.LighthouseURL, info.ID, nil
}
