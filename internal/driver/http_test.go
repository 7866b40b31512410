package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"upload-dispatcher/internal/models"
)

func uploadPayload() models.Payload {
	return models.Payload{Upload: &models.UploadPayload{Title: "t", VideoPath: "/media/v.mp4"}}
}

func TestHTTPDriverStreamsProgressAndResult(t *testing.T) {
	var got runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"stage":"uploading","percent":40}`)
		fmt.Fprintln(w, `{"stage":"publishing","percent":90}`)
		fmt.Fprintln(w, `{"result":{"outcome":"success","external_id":"vid-42"}}`)
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, zaptest.NewLogger(t))
	defer d.Close()

	var stages []string
	res, err := d.Run(context.Background(), "http://127.0.0.1:9222", uploadPayload(), func(stage string, _ int) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "vid-42", res.ExternalID)
	assert.Equal(t, []string{"uploading", "publishing"}, stages)
	assert.Equal(t, models.KindUpload, got.Kind)
	assert.Equal(t, "http://127.0.0.1:9222", got.Endpoint)
}

func TestHTTPDriverReportsCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"result":{"outcome":"failure","code":"quota_exceeded","detail":"daily upload limit"}}`)
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, zaptest.NewLogger(t))
	res, err := d.Run(context.Background(), "e", uploadPayload(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, CodeQuotaExceeded, res.Code)
}

func TestHTTPDriverErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"error event", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"error":"page crashed"}`)
		}},
		{"no result", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"stage":"login"}`)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `not json`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			d := NewHTTPDriver(srv.URL, zaptest.NewLogger(t))
			_, err := d.Run(context.Background(), "e", uploadPayload(), nil)
			assert.Error(t, err)
		})
	}
}

func TestHTTPDriverHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"uploading","percent":1}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewHTTPDriver(srv.URL, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Run(ctx, "e", uploadPayload(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPDriverRejectsEmptyPayload(t *testing.T) {
	d := NewHTTPDriver("http://127.0.0.1:1", zaptest.NewLogger(t))
	_, err := d.Run(context.Background(), "e", models.Payload{}, nil)
	assert.Error(t, err)
}
