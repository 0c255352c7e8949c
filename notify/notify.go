// Package notify delivers results and alerts out of the gateway: caller
// webhooks, RTLayer channel pushes and the per-org alert hooks that fire on
// guardrail blocks, missing variables and fallback retries.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"
)

type (
	// Doer issues HTTP requests. *http.Client satisfies it.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// RTLayerCred addresses one push channel. TTL is in seconds; APIKey
	// overrides the platform key when the caller brought their own.
	RTLayerCred struct {
		Channel string `json:"channel"`
		TTL     int    `json:"ttl"`
		APIKey  string `json:"apikey"`
	}

	// Hook is one registered alert webhook. Empty AlertTypes means every
	// alert type.
	Hook struct {
		URL        string            `bson:"url" json:"url"`
		Headers    map[string]string `bson:"headers" json:"headers"`
		AlertTypes []string          `bson:"alert_types" json:"alert_types"`
	}

	// AlertSource lists the alert hooks registered for an org.
	AlertSource interface {
		AlertHooks(ctx context.Context, orgID string) ([]Hook, error)
	}

	// Alert is one outgoing notification.
	Alert struct {
		OrgID    string         `json:"org_id"`
		BridgeID string         `json:"bridge_id"`
		Type     string         `json:"alertType"`
		Data     map[string]any `json:"data"`
	}

	// Client delivers webhooks, pushes and alerts.
	Client struct {
		http       Doer
		rtlayerURL string
		rtlayerKey string
		alerts     AlertSource
	}

	// Options configures New.
	Options struct {
		HTTP       Doer
		RTLayerURL string
		RTLayerKey string
		Alerts     AlertSource
	}
)

// Alert types.
const (
	AlertGuardrails       = "guardrails"
	AlertMissingVariables = "missing_variables"
	AlertRetry            = "retry_mechanism"
	AlertHallucination    = "hallucination"
)

// New builds a Client. HTTP defaults to a 30 second client.
func New(opts Options) *Client {
	d := opts.HTTP
	if d == nil {
		d = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:       d,
		rtlayerURL: opts.RTLayerURL,
		rtlayerKey: opts.RTLayerKey,
		alerts:     opts.Alerts,
	}
}

// Post delivers payload to url as JSON with the caller's headers.
func (c *Client) Post(ctx context.Context, target string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", target, resp.StatusCode)
	}
	return nil
}

// Push sends message to an RTLayer channel. The credential's key wins over
// the platform key.
func (c *Client) Push(ctx context.Context, cred RTLayerCred, message any) error {
	if cred.Channel == "" {
		return fmt.Errorf("rtlayer push needs a channel")
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode rtlayer message: %w", err)
	}
	apiKey := cred.APIKey
	if apiKey == "" {
		apiKey = c.rtlayerKey
	}
	form := url.Values{
		"apiKey":  {apiKey},
		"channel": {cred.Channel},
		"message": {string(body)},
	}
	if cred.TTL > 0 {
		form.Set("ttl", strconv.Itoa(cred.TTL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rtlayerURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rtlayer push to %s: %w", cred.Channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rtlayer push to %s returned %d", cred.Channel, resp.StatusCode)
	}
	return nil
}

// SendAlert delivers the alert to every registered hook that subscribes to
// its type. Delivery failures are logged per hook; one bad endpoint never
// blocks the rest.
func (c *Client) SendAlert(ctx context.Context, alert Alert) {
	if c.alerts == nil {
		return
	}
	hooks, err := c.alerts.AlertHooks(ctx, alert.OrgID)
	if err != nil {
		log.Errorf(ctx, err, "load alert hooks for %s", alert.OrgID)
		return
	}
	for _, h := range hooks {
		if !subscribed(h, alert.Type) {
			continue
		}
		if err := c.Post(ctx, h.URL, h.Headers, alert); err != nil {
			log.Errorf(ctx, err, "alert %s to %s", alert.Type, h.URL)
		}
	}
}

func subscribed(h Hook, alertType string) bool {
	if len(h.AlertTypes) == 0 {
		return true
	}
	for _, t := range h.AlertTypes {
		if t == alertType {
			return true
		}
	}
	return false
}
