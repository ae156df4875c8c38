package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "burstpub/pkg/logx"
)

// httpSink delivers messages by POSTing them as JSON to a fixed endpoint.
//
// The endpoint's concurrency and throughput limits are not this sink's
// responsibility; an optional token-bucket limiter just keeps bursts polite.
type httpSink struct {
	cfg     Config
	log     logx.Logger
	client  *http.Client
	limiter *rate.Limiter
}

func openHTTP(cfg Config, log logx.Logger) (Sink, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("sink.endpoint is required for http driver")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	return &httpSink{
		cfg:     cfg,
		log:     log,
		client:  &http.Client{Timeout: timeout},
		limiter: lim,
	}, nil
}

func (s *httpSink) Accept(ctx context.Context, msg Message) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.KeyHeader != "" && s.cfg.Key != "" {
		req.Header.Set(s.cfg.KeyHeader, s.cfg.Key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *httpSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
