package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxRemoteResponse = 1 << 20

// RemoteHandler forwards an action to the service that owns it. The request
// is one POST of {"action_type","target","params"}; a 2xx JSON body becomes
// the result. It is never retried: a lost response must surface as a
// failed action, not a second execution.
type RemoteHandler struct {
	actionType string
	url        string
	client     *http.Client
}

// NewRemoteHandler returns a handler posting to url. A nil client gets a
// traced client with a 30s timeout.
func NewRemoteHandler(actionType, url string, client *http.Client) *RemoteHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.Transport == nil {
		client.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &RemoteHandler{actionType: actionType, url: url, client: client}
}

type remoteRequest struct {
	ActionType string          `json:"action_type"`
	Target     json.RawMessage `json:"target"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (h *RemoteHandler) Execute(ctx context.Context, target, params json.RawMessage) (any, error) {
	body, err := json.Marshal(remoteRequest{ActionType: h.actionType, Target: target, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.actionType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", h.actionType, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: remote returned %d: %s", h.actionType, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: remote returned non-JSON body", h.actionType)
	}
	return json.RawMessage(data), nil
}

// ParseHandlerTargets reads "type=url,type=url".
func ParseHandlerTargets(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		typ, url, ok := strings.Cut(item, "=")
		typ, url = strings.TrimSpace(typ), strings.TrimSpace(url)
		if !ok || typ == "" || !(strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")) {
			return nil, fmt.Errorf("invalid handler target %q", item)
		}
		if _, dup := out[typ]; dup {
			return nil, fmt.Errorf("duplicate handler for %q", typ)
		}
		out[typ] = url
	}
	return out, nil
}
