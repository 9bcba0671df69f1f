package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/autoflow/backend/internal/core"
)

// HTTPAdapter is the production ServiceAdapter: OAuth2 against the
// provider plus operation dispatch to a per-service bridge endpoint
// that owns the concrete wire format. The bridge receives the
// operation name and params and returns the result and rollback hint.
type HTTPAdapter struct {
	*OAuthBase
	InvokeURL string
}

func NewHTTPAdapter(base *OAuthBase, invokeURL string) *HTTPAdapter {
	return &HTTPAdapter{OAuthBase: base, InvokeURL: invokeURL}
}

type invokeRequest struct {
	Operation string      `json:"operation"`
	Params    core.Params `json:"params"`
}

type invokeResponse struct {
	Data  core.Params   `json:"data"`
	Hint  *RollbackHint `json:"rollback_hint,omitempty"`
	Error *struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error,omitempty"`
}

// Invoke posts the operation to the bridge. HTTP 5xx and transport
// failures are transient; a structured error in the body is a business
// rejection and reaches the caller verbatim.
func (a *HTTPAdapter) Invoke(ctx context.Context, operation string, params core.Params, token string) (*Result, error) {
	payload, err := json.Marshal(invokeRequest{Operation: operation, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.InvokeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transient(err)
	}
	if resp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("%s %s returned %d", a.ServiceID, operation, resp.StatusCode))
	}

	var out invokeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding invoke response: %w", err)
	}
	if out.Error != nil {
		return nil, Business(out.Error.Code, out.Error.Detail)
	}
	if resp.StatusCode >= 400 {
		return nil, Business(fmt.Sprintf("http_%d", resp.StatusCode), string(body))
	}

	res := &Result{Data: out.Data}
	if out.Hint != nil {
		res.Hint = *out.Hint
	} else {
		res.Hint = IrreversibleHint()
	}
	return res, nil
}
