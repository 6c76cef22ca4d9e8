package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"collaborative-canvas/internal/canvas"
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
)

// ErrUnexpectedStatus 表示服务端返回了非预期的 HTTP 状态码
var ErrUnexpectedStatus = errors.New("unexpected http status")

// StatusError 携带非预期的状态码
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d %s", ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Options 配置 REST 客户端
type Options struct {
	Timeout time.Duration // 单次请求超时，默认 10s
	// 熔断：连续 FailureThreshold 次失败后打开，OpenTimeout 之后进入半开
	FailureThreshold uint32        // 默认 5
	OpenTimeout      time.Duration // 默认 30s
	HTTPClient       *http.Client
	Logger           *logrus.Entry
}

// Client 通过服务端的 REST 接口实现 canvas.Persistence，所有请求经过熔断器。
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     *logrus.Entry
}

var _ canvas.Persistence = (*Client)(nil)

// New 创建客户端。baseURL 形如 http://host:8080
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Logger.WithField("component", "restclient")

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "canvas-persistence",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		// 4xx 是调用方的问题，不计入失败
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Circuit breaker state transition")
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		cb:      cb,
		log:     log,
	}
}

func (c *Client) roomURL(roomID, suffix string) string {
	return c.baseURL + "/api/rooms/" + url.PathEscape(roomID) + suffix
}

// do 执行请求并返回响应体；状态码不在 expected 中时返回 *StatusError
func (c *Client) do(ctx context.Context, method, target string, body interface{}, expected ...int) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		for _, code := range expected {
			if resp.StatusCode == code {
				return data, nil
			}
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	})
}

// AppendStroke 保存一条完成笔画；已存在时服务端返回 200，同样视为成功
func (c *Client) AppendStroke(ctx context.Context, stroke domain.Stroke, roomID string) error {
	_, err := c.do(ctx, http.MethodPost, c.roomURL(roomID, "/strokes"), stroke, http.StatusCreated, http.StatusOK)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "stroke_id": stroke.ID}).Warn("Append stroke failed")
	}
	return err
}

// ListStrokes 返回房间的笔画，最早的在前
func (c *Client) ListStrokes(ctx context.Context, roomID string) ([]domain.Stroke, error) {
	data, err := c.do(ctx, http.MethodGet, c.roomURL(roomID, "/strokes"), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var res dto.StrokeListDTO
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode stroke list: %w", err)
	}
	return res.Strokes, nil
}

// ClearRoom 删除房间的所有笔画
func (c *Client) ClearRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.roomURL(roomID, "/strokes"), nil, http.StatusOK)
	return err
}

// Snapshot 下载服务端渲染的房间 PNG
func (c *Client) Snapshot(ctx context.Context, roomID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.roomURL(roomID, "/snapshot.png"), nil, http.StatusOK)
}

// BreakerState 返回熔断器当前状态
func (c *Client) BreakerState() gobreaker.State { return c.cb.State() }
