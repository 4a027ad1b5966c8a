package eventbus

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

// WriterSink writes one JSON line per event.
type WriterSink struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Send(_ context.Context, raw []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	line := make([]byte, 0, len(raw)+1)
	line = append(line, raw...)
	line = append(line, '\n')
	_, err := s.w.Write(line)
	return err
}

// DirSink stores every event as a file in a directory.
type DirSink struct {
	mx   sync.Mutex
	root *os.Root
}

func NewDirSink(path string) (*DirSink, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root}, nil
}

func (s *DirSink) Send(ctx context.Context, raw []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("root already closed")
	}

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	path := "quickfix-" + time.Now().UTC().Format("2006-01-02-15-04-05.000") + "-" + hex.EncodeToString(suffix[:]) + ".json"

	f, err := s.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating event file: %w", err)
	}
	_, err = f.Write(raw)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving event: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing event file: %w", err)
	}
	slog.DebugContext(ctx, "event saved", "path", path)
	return nil
}

func (s *DirSink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}

// WebhookSink posts every event to a URL.
type WebhookSink struct {
	url    *url.URL
	client *http.Client
}

func NewWebhookSink(u *url.URL, timeout time.Duration) (*WebhookSink, error) {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("please define the webhook url with a scheme and a host, e.g. `http://some-url.com/hook`")
	}
	return &WebhookSink{
		url:    u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebhookSink) Send(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		slog.DebugContext(ctx, "event delivered", "url", s.url.Redacted(), "status", resp.StatusCode)
		return nil
	}
	return decodeProblem(resp)
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func decodeProblem(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
