package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/blueprintchat/inference-gateway/internal/backend"
)

// Client talks to the managed inference runtime over its HTTP streaming API.
// The streaming body is newline-delimited JSON, one event per line. One
// Client is built at startup and shared by every request.
type Client struct {
	endpoint string
	httpc    *http.Client
	breaker  *gobreaker.CircuitBreaker
}

type converseResponse struct {
	Output struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	} `json:"output"`
	Usage backend.Usage `json:"usage"`
}

// streamEvent probes each line for the fields the relay cares about; the raw
// line is what gets forwarded to the caller.
type streamEvent struct {
	Metadata *struct {
		Usage *backend.Usage `json:"usage"`
	} `json:"metadata"`
}

type apiError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func New(region, endpoint string) *Client {
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	settings := gobreaker.Settings{
		Name:        "bedrock",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		endpoint: endpoint,
		httpc:    http.DefaultClient,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) Converse(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.converse(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit breaker open", backend.ErrUnavailable)
		}
		return nil, err
	}
	return result.(*backend.Result), nil
}

func (c *Client) converse(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	resp, err := c.post(ctx, req, "converse")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var completion string
	for _, block := range out.Output.Message.Content {
		completion += block.Text
	}

	return &backend.Result{Completion: completion, Usage: out.Usage}, nil
}

func (c *Client) ConverseStream(ctx context.Context, req *backend.Request) (<-chan *backend.Delta, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("%w: circuit breaker open", backend.ErrUnavailable)
	}

	resp, err := c.post(ctx, req, "converse-stream")
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err := c.statusError(resp)
		resp.Body.Close()
		c.recordFailure(err)
		return nil, err
	}

	ch := make(chan *backend.Delta)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			line = bytes.TrimSpace(line)

			if len(line) > 0 {
				delta := &backend.Delta{Raw: append([]byte(nil), line...)}

				var ev streamEvent
				if jsonErr := json.Unmarshal(line, &ev); jsonErr == nil {
					if ev.Metadata != nil && ev.Metadata.Usage != nil {
						delta.Usage = ev.Metadata.Usage
					}
				}

				select {
				case ch <- delta:
				case <-ctx.Done():
					return
				}
			}

			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &backend.Delta{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				c.recordFailure(err)
				select {
				case ch <- &backend.Delta{Err: fmt.Errorf("bedrock: stream read: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return ch, nil
}

func (c *Client) post(ctx context.Context, req *backend.Request, action string) (*http.Response, error) {
	payload := struct {
		Messages                     []backend.Message        `json:"messages"`
		System                       string                   `json:"system,omitempty"`
		InferenceConfig              *backend.InferenceConfig `json:"inferenceConfig,omitempty"`
		AdditionalModelRequestFields map[string]interface{}   `json:"additionalModelRequestFields,omitempty"`
	}{
		Messages:                     req.Messages,
		System:                       req.System,
		InferenceConfig:              req.InferenceConfig,
		AdditionalModelRequestFields: req.AdditionalModelRequestFields,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/model/%s/%s", c.endpoint, url.PathEscape(req.ModelID), action)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)

	var apiErr apiError
	_ = json.Unmarshal(respBody, &apiErr)
	detail := apiErr.Message
	if detail == "" {
		detail = string(respBody)
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", backend.ErrAccessDenied, detail)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", backend.ErrValidation, detail)
	default:
		return fmt.Errorf("bedrock: api error (status %d): %s", resp.StatusCode, detail)
	}
}

func (c *Client) recordFailure(err error) {
	_, _ = c.breaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}
