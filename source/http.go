package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type HTTPPollerConfig struct {
	URL      string
	Interval time.Duration
	// Timeout bounds one GET including reading the body.
	Timeout time.Duration
	// MaxBodyBytes rejects documents larger than one record may hold.
	MaxBodyBytes int64
	BufSize      int
	Header       http.Header
}

var DefaultHTTPPollerConfig = HTTPPollerConfig{
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MaxBodyBytes: 32 << 20,
	BufSize:      4,
}

func (c HTTPPollerConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("url is required")
	case c.Interval <= 0:
		return errors.New("interval must be > 0")
	case c.Timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.MaxBodyBytes <= 0:
		return errors.New("max body bytes must be > 0")
	case c.BufSize < 1:
		return errors.New("buffer size must be at least 1")
	}
	return nil
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPoller fetches a fixed URL on an interval and emits every successful
// response body, unmodified, as one message.
//
// It has nothing to acknowledge: a document that fails to transform is
// simply superseded by the next poll.
type HTTPPoller struct {
	cfg    HTTPPollerConfig
	client httpDoer
	logger *slog.Logger

	bufCh chan *httpMessage

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewHTTPPoller polls once immediately and then every cfg.Interval until ctx
// is canceled or Close is called. A nil logger discards poll failures.
func NewHTTPPoller(ctx context.Context, client httpDoer, cfg HTTPPollerConfig, logger *slog.Logger) *HTTPPoller {
	if client == nil {
		panic("http client is required")
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p := &HTTPPoller{
		cfg:    cfg,
		client: client,
		logger: logger.With("source", "http", "url", cfg.URL),
		bufCh:  make(chan *httpMessage, cfg.BufSize),
		cancel: cancel,
	}
	go p.pollLoop(pollCtx)
	return p
}

func (p *HTTPPoller) pollLoop(ctx context.Context) {
	defer close(p.bufCh)

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	for {
		msg, err := p.fetch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn("poll failed", "err", err)
		case err == nil:
			select {
			case p.bufCh <- msg:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *HTTPPoller) fetch(ctx context.Context) (*httpMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range p.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", p.cfg.MaxBodyBytes)
	}

	return &httpMessage{
		body: body,
		attrs: map[string]string{
			"content_type": resp.Header.Get("Content-Type"),
			"fetched_at":   strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}, nil
}

// Close stops polling. Documents already fetched are still delivered; after
// that Receive returns ErrClosed.
func (p *HTTPPoller) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
	})
}

func (p *HTTPPoller) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-p.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	}
}

func (p *HTTPPoller) AckBatch(context.Context, []Message) error { return nil }

type httpMessage struct {
	body  []byte
	attrs map[string]string
}

func (m *httpMessage) Data() Envelope {
	return Envelope{Payload: m.body, Attributes: m.attrs}
}

func (m *httpMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(m.body)), true
}

func (m *httpMessage) Fail(context.Context, error) error { return nil }
