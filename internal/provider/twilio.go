package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioClient sends SMS and WhatsApp messages through the Twilio Messages
// API. WhatsApp traffic uses the same endpoint with "whatsapp:"-prefixed
// addresses.
type TwilioClient struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	WhatsApp   bool
	Client     *http.Client
}

func (c *TwilioClient) Name() string {
	if c.WhatsApp {
		return "twilio-whatsapp"
	}
	return "twilio-sms"
}

type twilioResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`

	// Error body shape.
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *TwilioClient) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	form := url.Values{}
	form.Set("To", c.address(req.To))
	form.Set("From", c.address(c.From))
	form.Set("Body", req.Body)
	if req.MediaURL != "" {
		form.Set("MediaUrl", req.MediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(c.BaseURL, "/"), c.AccountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

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

	var body twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode < 300 {
		return Receipt{}, fmt.Errorf("decode twilio response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		return Receipt{}, &RejectionError{Code: body.Code, Message: body.Message}
	}

	return Receipt{ProviderID: body.SID, RawStatus: body.Status}, nil
}

func (c *TwilioClient) address(a string) string {
	if !c.WhatsApp {
		return a
	}
	if strings.HasPrefix(a, "whatsapp:") {
		return a
	}
	return "whatsapp:" + a
}
