package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SendGridClient delivers the email channel.
type SendGridClient struct {
	Endpoint string
	APIKey   string
	From     string
	Client   *http.Client
}

func (c *SendGridClient) Name() string { return "sendgrid" }

func (c *SendGridClient) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	payload := map[string]any{
		"personalizations": []any{
			map[string]any{"to": []any{map[string]string{"email": req.To}}},
		},
		"from":    map[string]string{"email": c.From},
		"content": []any{map[string]string{"type": "text/plain", "value": req.Body}},
	}
	if req.MediaURL != "" {
		payload["attachments"] = []any{map[string]string{"content": req.MediaURL, "disposition": "inline"}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Receipt{}, &RejectionError{Code: resp.StatusCode, Message: string(detail)}
	}

	return Receipt{ProviderID: resp.Header.Get("X-Message-Id"), RawStatus: "accepted"}, nil
}
