package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"resty.dev/v3"

	"upload-dispatcher/internal/models"
)

const maxLine = 1 << 20

type runRequest struct {
	Endpoint string         `json:"endpoint"`
	Kind     models.Kind    `json:"kind"`
	Payload  models.Payload `json:"payload"`
}

// event is one line of the sidecar's NDJSON response stream: either a progress update or
// the final result.
type event struct {
	Stage   string  `json:"stage,omitempty"`
	Percent int     `json:"percent,omitempty"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// HTTPDriver posts runs to an automation sidecar at POST {url}/run and reads back a stream
// of progress events ending with the result.
type HTTPDriver struct {
	client *resty.Client
	log    *zap.Logger
}

func NewHTTPDriver(url string, log *zap.Logger) *HTTPDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPDriver{
		client: resty.New().SetBaseURL(strings.TrimRight(url, "/")),
		log:    log.Named("driver"),
	}
}

func (d *HTTPDriver) Close() error {
	return d.client.Close()
}

func (d *HTTPDriver) Run(ctx context.Context, endpoint string, payload models.Payload, onProgress Progress) (Result, error) {
	kind, err := payload.Kind()
	if err != nil {
		return Result{}, err
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/x-ndjson").
		SetBody(runRequest{Endpoint: endpoint, Kind: kind, Payload: payload}).
		SetDoNotParseResponse(true).
		Post("/run")
	if err != nil {
		return Result{}, fmt.Errorf("driver request: %w", err)
	}
	body := resp.RawResponse.Body
	defer body.Close()

	if resp.StatusCode() >= 300 {
		var sb strings.Builder
		scanner := bufio.NewScanner(body)
		for scanner.Scan() && sb.Len() < 512 {
			sb.WriteString(scanner.Text())
		}
		return Result{}, fmt.Errorf("driver returned status %d: %s", resp.StatusCode(), sb.String())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return Result{}, fmt.Errorf("decode driver event: %w", err)
		}
		switch {
		case ev.Error != "":
			return Result{}, errors.New(ev.Error)
		case ev.Result != nil:
			if ev.Result.Outcome == "" {
				ev.Result.Outcome = OutcomeFailure
			}
			return *ev.Result, nil
		case onProgress != nil:
			onProgress(ev.Stage, ev.Percent)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("read driver stream: %w", err)
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return Result{}, errors.New("driver stream ended without a result")
}
