package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPProvider posts payouts to a payout API:
//
//	POST {base}/payouts
//	Authorization: Bearer {key}
//	Idempotency-Key: {key}
//	{"reference_id","recipient","method","amount","currency","note"}
//
// 2xx returns {"payout_id"}; 4xx is permanent; 5xx and transport errors
// are retryable.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type payoutRequest struct {
	ReferenceID string            `json:"reference_id"`
	Recipient   map[string]string `json:"recipient"`
	Method      string            `json:"method"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Note        string            `json:"note"`
}

type payoutResponse struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

func (p *HTTPProvider) Pay(ctx context.Context, req Request) (Receipt, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	body, err := json.Marshal(payoutRequest{
		ReferenceID: string(req.SettlementID),
		Recipient:   req.Method.Details,
		Method:      string(req.Method.Method),
		Amount:      req.Amount.StringFixed(),
		Currency:    string(req.Amount.Currency),
		Note:        fmt.Sprintf("Affiliate commission %s", req.Period),
	})
	if err != nil {
		return Receipt{}, Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("payout request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("payout provider: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 400:
		return Receipt{}, Permanent(fmt.Errorf("payout rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Receipt{}, fmt.Errorf("payout provider: unexpected status %d", resp.StatusCode)
	}

	var out payoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Receipt{}, fmt.Errorf("decode payout response: %w", err)
	}
	if out.PayoutID == "" {
		return Receipt{}, fmt.Errorf("payout provider returned no payout id")
	}
	return Receipt{Reference: out.PayoutID}, nil
}
