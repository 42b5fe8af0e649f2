// Package roomapi is the HTTP client for the room service: consent status
// queries, consent decision submission, and the room snapshot supplied at
// room entry.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fableboard/roomcore/internal/consent"
	"github.com/fableboard/roomcore/internal/wire"
)

// ConsentStatus is the per-feature status shape the room service returns.
type ConsentStatus struct {
	RequiresConsent bool `json:"requires_consent"`
	ConsentGiven    bool `json:"consent_given"`
	ConsentDenied   bool `json:"consent_denied"`
	ConsentRequired bool `json:"consent_required"`
}

// RecordingSettings is room configuration for the recording feature.
type RecordingSettings struct {
	StorageProvider string `json:"storage_provider"`
}

// RoomSnapshot is the read-only room configuration supplied at entry.
type RoomSnapshot struct {
	ID                wire.ID            `json:"id"`
	Participants      []wire.Participant `json:"participants"`
	RecordingEnabled  bool               `json:"recording_enabled"`
	STTEnabled        bool               `json:"stt_enabled"`
	LocalSaveEnabled  bool               `json:"local_save_enabled"`
	RecordingSettings RecordingSettings  `json:"recording_settings"`
}

// FeatureConsents derives the consent records the orchestrator starts from.
func (s *RoomSnapshot) FeatureConsents() []consent.FeatureConsent {
	return []consent.FeatureConsent{
		{Feature: consent.FeatureSTT, Enabled: s.STTEnabled},
		{Feature: consent.FeatureRecording, Enabled: s.RecordingEnabled},
		{Feature: consent.FeatureLocalSave, Enabled: s.LocalSaveEnabled},
	}
}

// StatusError is a non-2xx response from the room service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("room api returned %d: %s", e.StatusCode, e.Body)
}

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	roomID  string
	http    *http.Client
}

func NewClient(baseURL, roomID string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("room api base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("room api base URL scheme must be http or https, got %q", u.Scheme)
	}
	if roomID == "" {
		return nil, fmt.Errorf("room ID is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		roomID:  roomID,
		http:    httpClient,
	}, nil
}

// Room fetches the room snapshot.
func (c *Client) Room(ctx context.Context) (RoomSnapshot, error) {
	var snapshot RoomSnapshot
	err := c.do(ctx, http.MethodGet, c.roomPath(""), nil, &snapshot)
	return snapshot, err
}

// ConsentStatus queries one feature's consent status.
func (c *Client) ConsentStatus(ctx context.Context, feature consent.Feature) (consent.StatusResponse, error) {
	var status ConsentStatus
	if err := c.do(ctx, http.MethodGet, c.consentPath(feature), nil, &status); err != nil {
		return consent.StatusResponse{}, err
	}
	return status.toResponse(), nil
}

// SubmitConsent persists a consent decision and returns the updated status.
func (c *Client) SubmitConsent(ctx context.Context, feature consent.Feature, granted bool) (consent.StatusResponse, error) {
	body := map[string]bool{"consent_given": granted}
	var status ConsentStatus
	if err := c.do(ctx, http.MethodPost, c.consentPath(feature), body, &status); err != nil {
		return consent.StatusResponse{}, err
	}
	return status.toResponse(), nil
}

func (s ConsentStatus) toResponse() consent.StatusResponse {
	return consent.StatusResponse{
		RequiresConsent: s.RequiresConsent,
		ConsentGiven:    s.ConsentGiven,
		ConsentDenied:   s.ConsentDenied,
		ConsentRequired: s.ConsentRequired,
	}
}

func (c *Client) roomPath(suffix string) string {
	return c.baseURL + "/api/rooms/" + url.PathEscape(c.roomID) + suffix
}

func (c *Client) consentPath(feature consent.Feature) string {
	return c.roomPath("/consents/" + url.PathEscape(string(feature)))
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
