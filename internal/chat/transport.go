package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/event"
)

const maxErrorBodySize = 4 << 10

// HistoryMessage is one prior message sent along with a new turn.
type HistoryMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// TurnRequest is everything needed to open the stream for one turn.
type TurnRequest struct {
	UserID  string
	Message string
	History []HistoryMessage
}

// Transport opens the orchestrator stream for a turn. The returned body is
// closed by the caller.
type Transport interface {
	Open(ctx context.Context, req TurnRequest) (io.ReadCloser, error)
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	BaseURL        string
	StreamPath     string
	IdentityHeader string
	ConnectTimeout time.Duration
}

// HTTPTransport posts the turn to the orchestrator and returns the event stream body.
type HTTPTransport struct {
	client         *resty.Client
	path           string
	identityHeader string
	logger         *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTPTransport. ConnectTimeout bounds dialing
// and waiting for response headers; the body itself is bounded by the
// engine's idle timeout.
func NewHTTPTransport(cfg HTTPTransportConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-User-ID"
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/api/stream"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")

	return &HTTPTransport{
		client:         client,
		path:           cfg.StreamPath,
		identityHeader: cfg.IdentityHeader,
		logger:         logger,
	}
}

type streamRequest struct {
	Message  string           `json:"message"`
	Messages []HistoryMessage `json:"messages"`
}

// Open sends the turn and returns the response body once a 2xx status arrives.
// A non-2xx status becomes a *ServerError carrying that status.
func (t *HTTPTransport) Open(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	if req.UserID == "" {
		return nil, ErrMissingIdentity
	}
	history := req.History
	if history == nil {
		history = []HistoryMessage{}
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader(t.identityHeader, req.UserID).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Accept-Encoding", "identity").
		SetBody(streamRequest{Message: req.Message, Messages: history}).
		SetDoNotParseResponse(true).
		Post(t.path)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	body := resp.RawBody()
	if resp.IsError() {
		msg := errorMessage(body)
		if body != nil {
			if closeErr := body.Close(); closeErr != nil {
				t.logger.Warn("failed to close error response body", "error", closeErr)
			}
		}
		t.logger.Warn("orchestrator rejected turn", "status", resp.StatusCode(), "user_id", req.UserID)
		return nil, &ServerError{event.ServerError{Status: resp.StatusCode(), Message: msg}}
	}
	if body == nil {
		return nil, &TransportError{Op: "connect", Err: errors.New("empty response body")}
	}

	t.logger.Debug("orchestrator stream opened", "status", resp.StatusCode(), "user_id", req.UserID)
	return body, nil
}

// errorMessage reads a bounded error body, preferring a JSON detail field.
func errorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil {
		return ""
	}
	data = bytes.TrimSpace(data)

	var fields map[string]any
	if json.Unmarshal(data, &fields) == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := fields[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return string(data)
}

// ReplayTransport serves a captured stream, delivering it in fixed-size
// reads. It is used for offline replay and tests.
type ReplayTransport struct {
	Data      []byte
	ChunkSize int
}

var _ Transport = (*ReplayTransport)(nil)

// Open returns a reader over the captured bytes.
func (t *ReplayTransport) Open(_ context.Context, _ TurnRequest) (io.ReadCloser, error) {
	size := t.ChunkSize
	if size <= 0 {
		size = len(t.Data)
	}
	return io.NopCloser(&chunkedReader{data: t.Data, size: size}), nil
}

type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.size, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
