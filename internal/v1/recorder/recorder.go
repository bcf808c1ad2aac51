// Package recorder is the RPC client for the external Recorder
// collaborator (spec §1, §9): a worker that accepts RTP on a UDP port and
// muxes it to a file. The control plane only ever starts and stops a
// recording by producer id; the pipeline internals live entirely outside
// this module.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"github.com/sony/gobreaker"
)

// StartRequest is the body of POST {baseURL}/start.
type StartRequest struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Codec       string `json:"codec"`
	ProducerID  string `json:"producerId"`
	PayloadType int    `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
}

// StartResponse is the decoded body of a successful /start call.
type StartResponse struct {
	OK         bool   `json:"ok"`
	OutputFile string `json:"outputFile"`
}

type stopRequest struct {
	ProducerID string `json:"producerId"`
}

type stopResponse struct {
	OK bool `json:"ok"`
}

// Client is a thin HTTP client for the Recorder's start/stop RPC,
// wrapped in the same circuit-breaker convention every other external
// collaborator in this module uses.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient constructs a Client pointed at baseURL (RECORDER_API_URL).
func NewClient(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "recorder",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("recorder").Set(stateVal)
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// Start asks the Recorder to begin consuming RTP for req.ProducerID.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var out StartResponse
		if err := c.post(ctx, "/start", req, &out); err != nil {
			return StartResponse{}, err
		}
		if !out.OK {
			return StartResponse{}, fmt.Errorf("recorder rejected start for producer %s", req.ProducerID)
		}
		return out, nil
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecorderRequestsTotal.WithLabelValues("start", status).Inc()
	if err != nil {
		return StartResponse{}, err
	}
	return res.(StartResponse), nil
}

// Stop asks the Recorder to stop the recording for producerID.
func (c *Client) Stop(ctx context.Context, producerID string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var out stopResponse
		if err := c.post(ctx, "/stop", stopRequest{ProducerID: producerID}, &out); err != nil {
			return nil, err
		}
		if !out.OK {
			return nil, fmt.Errorf("recorder rejected stop for producer %s", producerID)
		}
		return nil, nil
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecorderRequestsTotal.WithLabelValues("stop", status).Inc()
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal recorder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build recorder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recorder request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read recorder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recorder returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode recorder response: %w", err)
	}
	return nil
}
