// Package llm implements the LM Classifier: the paid escalation stage of
// the hybrid classifier, calling the Anthropic Messages API with a fixed
// prompt template and validating its JSON answer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mailpipe/worker/internal/classify"
	"github.com/mailpipe/worker/internal/mail"
)

const (
	apiURL         = "https://api.anthropic.com/v1/messages"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-3-5-haiku-20241022"
	inputCostPerM  = 0.25
	outputCostPerM = 1.25
)

// Config controls the LM Classifier's call shape.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	RetryDelays   []time.Duration // per-status delays: 429, 500, 503 in order
	TruncateChars int
}

// Enabled reports whether the LM Classifier is configured at all. Callers
// must check this before invoking Classify: an absent API key disables
// the component rather than failing every call.
func (c Config) Enabled() bool {
	return c.APIKey != ""
}

// Client is the LM Classifier.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient builds an LM Classifier client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether this client was built with an API key.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled()
}

// Result is the LM Classifier's validated answer plus token usage for cost
// accounting.
type Result struct {
	IsSubscription  bool
	Confidence      float64
	ServiceName     string
	Amount          *float64
	Currency        string
	BillingCycle    string
	NextBillingDate string
	Reasoning       string
	InputTokens     int
	OutputTokens    int
	Repaired        bool
}

// Cost returns round6(input/1e6*0.25 + output/1e6*1.25) in USD.
func (r Result) Cost() float64 {
	return round6(float64(r.InputTokens)/1e6*inputCostPerM + float64(r.OutputTokens)/1e6*outputCostPerM)
}

func round6(v float64) float64 {
	return float64(int64(v*1e6+0.5)) / 1e6
}

const promptTemplate = `You are classifying an email as a recurring subscription charge or not.

Subject: %s
Sender: %s
Date: %s
Body:
%s

Respond with a single JSON object, no prose, matching this shape exactly:
{
  "is_subscription": boolean,
  "confidence": number between 0 and 1,
  "service_name": string or null,
  "amount": number or null,
  "currency": string or null,
  "billing_cycle": "monthly" | "yearly" | "weekly" | "quarterly" | null,
  "next_billing_date": "YYYY-MM-DD" or null,
  "reasoning": string
}`

// maxCallAttempts caps the total number of calls a single Classify makes,
// including the first.
const maxCallAttempts = 3

// Classify calls the LM with the fixed prompt, then parses and validates
// its answer. HTTP 429, 500, and 503 are retried after the delay configured
// for that status, up to maxCallAttempts total calls; any other failure,
// including an answer the parser could not repair, fails immediately.
func (c *Client) Classify(ctx context.Context, row mail.Message) (*Result, error) {
	if !c.cfg.Enabled() {
		return nil, fmt.Errorf("llm classifier: disabled, no API key configured")
	}

	body := mail.Truncate(mail.PlainTextBody(row), c.cfg.TruncateChars)

	prompt := fmt.Sprintf(promptTemplate, row.Subject, row.SenderEmail, row.ReceivedAt.Format(time.RFC3339), body)

	var lastErr error
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		result, err := c.call(ctx, prompt)
		if err == nil {
			return result, nil
		}

		var classified *classify.Error
		if !errors.As(err, &classified) {
			return nil, err
		}
		delay, retriable := retryDelayFor(c.cfg.RetryDelays, classified.Status)
		if !retriable {
			return nil, err
		}
		lastErr = err
		if attempt == maxCallAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("llm classifier: exhausted %d attempts: %w", maxCallAttempts, lastErr)
}

// retryDelayFor maps a retriable HTTP status to its slot in the configured
// delay schedule: 429, 500, 503 in that order. Any other status, including
// 0 for failures that never reached the server, is not retried.
func retryDelayFor(delays []time.Duration, status int) (time.Duration, bool) {
	var idx int
	switch status {
	case http.StatusTooManyRequests:
		idx = 0
	case http.StatusInternalServerError:
		idx = 1
	case http.StatusServiceUnavailable:
		idx = 2
	default:
		return 0, false
	}
	if idx >= len(delays) {
		return 0, false
	}
	return delays[idx], true
}

type messageRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) call(ctx context.Context, prompt string) (*Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody, err := json.Marshal(messageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("llm classifier: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("llm classifier: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify.FromError(fmt.Errorf("llm classifier: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm classifier: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classify.FromHTTPStatus(resp.StatusCode, fmt.Errorf("llm classifier: api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var parsed messageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("llm classifier: failed to parse api envelope: %w", err)
	}
	if len(parsed.Content) == 0 {
		return nil, fmt.Errorf("llm classifier: empty response content")
	}

	answer, repaired, err := parseAnswer(parsed.Content[0].Text)
	if err != nil {
		return nil, fmt.Errorf("llm classifier: failed to parse answer json: %w", err)
	}
	if err := answer.validate(); err != nil {
		return nil, fmt.Errorf("llm classifier: invalid answer: %w", err)
	}

	return &Result{
		IsSubscription:  answer.IsSubscription,
		Confidence:      answer.Confidence,
		ServiceName:     stringOrEmpty(answer.ServiceName),
		Amount:          answer.Amount,
		Currency:        stringOrEmpty(answer.Currency),
		BillingCycle:    stringOrEmpty(answer.BillingCycle),
		NextBillingDate: stringOrEmpty(answer.NextBillingDate),
		Reasoning:       answer.Reasoning,
		InputTokens:     parsed.Usage.InputTokens,
		OutputTokens:    parsed.Usage.OutputTokens,
		Repaired:        repaired,
	}, nil
}

type rawAnswer struct {
	IsSubscription  bool     `json:"is_subscription"`
	Confidence      float64  `json:"confidence"`
	ServiceName     *string  `json:"service_name"`
	Amount          *float64 `json:"amount"`
	Currency        *string  `json:"currency"`
	BillingCycle    *string  `json:"billing_cycle"`
	NextBillingDate *string  `json:"next_billing_date"`
	Reasoning       string   `json:"reasoning"`
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (a rawAnswer) validate() error {
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", a.Confidence)
	}
	if a.NextBillingDate != nil && *a.NextBillingDate != "" && !dateRe.MatchString(*a.NextBillingDate) {
		return fmt.Errorf("next_billing_date %q does not match YYYY-MM-DD", *a.NextBillingDate)
	}
	return nil
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseAnswer strips code-fence markers, attempts a strict JSON parse, and
// on failure attempts a minimal repair (trim trailing commas, balance
// braces) before giving up.
func parseAnswer(text string) (rawAnswer, bool, error) {
	cleaned := strings.TrimSpace(text)
	if m := codeFenceRe.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	}

	var answer rawAnswer
	if err := json.Unmarshal([]byte(cleaned), &answer); err == nil {
		return answer, false, nil
	}

	repaired := repairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), &answer); err != nil {
		return rawAnswer{}, false, fmt.Errorf("unparseable after repair: %w", err)
	}
	return answer, true, nil
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func repairJSON(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")

	open := strings.Count(s, "{")
	closed := strings.Count(s, "}")
	for i := 0; i < open-closed; i++ {
		s += "}"
	}
	return s
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
