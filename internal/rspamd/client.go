// Package rspamd implements spamcheck.Checker against the rspamd HTTP
// worker protocol.
package rspamd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/spamcheck"
)

// Actions rspamd may return from /checkv2.
const (
	actionNoAction       = "no action"
	actionGreylist       = "greylist"
	actionAddHeader      = "add header"
	actionRewriteSubject = "rewrite subject"
	actionSoftReject     = "soft reject"
	actionReject         = "reject"
)

// checkResponse is the subset of the /checkv2 reply the server acts on.
type checkResponse struct {
	Score         float64 `json:"score"`
	RequiredScore float64 `json:"required_score"`
	Action        string  `json:"action"`
	IsSpam        bool    `json:"is_spam"`
}

// Checker scores messages through one rspamd instance.
type Checker struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewChecker builds a checker for the rspamd worker at baseURL.
func NewChecker(baseURL, password string, timeout time.Duration) *Checker {
	return &Checker{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Checker) Name() string { return "rspamd" }

// Check submits the raw message to /checkv2 with the envelope facts as
// request headers, per the rspamd worker protocol.
func (c *Checker) Check(ctx context.Context, raw []byte, opts spamcheck.Options) (*spamcheck.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkv2", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	if opts.From != "" {
		req.Header.Set("From", opts.From)
	}
	for _, rcpt := range opts.Recipients {
		req.Header.Add("Rcpt", rcpt)
	}
	if opts.ClientIP != "" {
		req.Header.Set("IP", opts.ClientIP)
	}
	if opts.Helo != "" {
		req.Header.Set("Helo", opts.Helo)
	}
	if opts.Hostname != "" {
		req.Header.Set("Hostname", opts.Hostname)
	}
	if opts.User != "" {
		req.Header.Set("User", opts.User)
	}
	if c.password != "" {
		req.Header.Set("Password", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rspamd returned status %d: %s", resp.StatusCode, string(body))
	}

	var reply checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return convertReply(&reply), nil
}

func convertReply(r *checkResponse) *spamcheck.Result {
	result := &spamcheck.Result{
		Checker: "rspamd",
		Score:   r.Score,
		IsSpam:  r.IsSpam,
	}
	switch r.Action {
	case actionReject:
		result.Action = spamcheck.ActionReject
		result.RejectMessage = fmt.Sprintf("Message rejected as spam (score %.1f)", r.Score)
	case actionSoftReject, actionGreylist:
		result.Action = spamcheck.ActionTempFail
		result.RejectMessage = "Message deferred, please try again later"
	case actionAddHeader, actionRewriteSubject:
		result.Action = spamcheck.ActionFlag
		result.IsSpam = true
	default:
		result.Action = spamcheck.ActionAccept
	}
	return result
}

// Ping probes the rspamd worker.
func (c *Checker) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.password != "" {
		req.Header.Set("Password", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rspamd returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the checker holds no persistent connections.
func (c *Checker) Close() error { return nil }

var _ spamcheck.Checker = (*Checker)(nil)
