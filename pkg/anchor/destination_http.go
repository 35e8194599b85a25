package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPDestination submits Merkle roots to a remote anchor endpoint over
// HTTP. The remote side is untrusted and possibly slow; every request gets a
// per-attempt timeout and a short-lived signed bearer token.
type HTTPDestination struct {
	id       string
	endpoint string
	secret   []byte // HS256 signing key for bearer tokens
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPDestination creates a destination posting to endpoint.
func NewHTTPDestination(id, endpoint string, secret []byte, timeout time.Duration) *HTTPDestination {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDestination{
		id:       id,
		endpoint: endpoint,
		secret:   secret,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDestination) ID() string { return d.id }

// bearerToken mints a short-lived HS256 token scoped to this destination.
func (d *HTTPDestination) bearerToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    "attestra",
		Audience:  jwt.ClaimStrings{d.id},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}

type submitRequest struct {
	MerkleRoot  string `json:"merkle_root"`
	Destination string `json:"destination_id"`
}

type submitResponse struct {
	TxRef          string `json:"tx_ref"`
	SequenceMarker string `json:"sequence_marker"`
	Status         string `json:"status"`
}

// Submit posts the root and returns the external references.
func (d *HTTPDestination) Submit(ctx context.Context, merkleRoot string) (SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(submitRequest{MerkleRoot: merkleRoot, Destination: d.id})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		token, err := d.bearerToken()
		if err != nil {
			return SubmitResult{}, fmt.Errorf("failed to mint bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("anchor endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResult{}, fmt.Errorf("anchor endpoint returned %d", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to decode anchor response: %w", err)
	}
	if parsed.Status != "" && parsed.Status != "accepted" && parsed.Status != "confirmed" {
		return SubmitResult{}, fmt.Errorf("anchor endpoint rejected root: status %q", parsed.Status)
	}
	return SubmitResult{TxRef: parsed.TxRef, SequenceMarker: parsed.SequenceMarker}, nil
}
