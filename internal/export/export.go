// Package export 以无界面客户端的方式加入房间并导出画布图像。
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/canvas"
	"collaborative-canvas/internal/transport/restclient"
	"collaborative-canvas/internal/transport/wsclient"
)

// 图像来源
const (
	SourceClient = "client" // 通过完整的客户端核心重放历史
	SourceServer = "server" // 直接下载服务端渲染的快照
)

var ErrLoadTimeout = errors.New("export: timed out waiting for room history")

// Config 描述一次导出
type Config struct {
	ServerURL   string
	RoomID      string
	UserID      string // 为空时生成
	Username    string
	Width       int
	Height      int
	Source      string
	Format      string        // png 或 pdf，默认 png
	LoadTimeout time.Duration // 默认 15s
	Logger      *logrus.Entry
}

func (c Config) withDefaults() (Config, error) {
	if c.ServerURL == "" || c.RoomID == "" {
		return c, errors.New("export: server url and room id are required")
	}
	if c.UserID == "" {
		c.UserID = "export-" + uuid.NewString()
	}
	if c.Username == "" {
		c.Username = "canvas-export"
	}
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Source == "" {
		c.Source = SourceClient
	}
	if c.Source != SourceClient && c.Source != SourceServer {
		return c, fmt.Errorf("export: unknown source %q", c.Source)
	}
	if c.Format == "" {
		c.Format = FormatPNG
	}
	if c.Format != FormatPNG && c.Format != FormatPDF {
		return c, fmt.Errorf("export: unknown format %q", c.Format)
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c, nil
}

// Run 按 cfg.Source 获取房间画布，按 cfg.Format 编码
func Run(ctx context.Context, cfg Config) ([]byte, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	img, err := fetch(ctx, cfg)
	if err != nil || cfg.Format == FormatPNG {
		return img, err
	}
	return EncodePDF(img)
}

func fetch(ctx context.Context, cfg Config) ([]byte, error) {
	logCtx := cfg.Logger.WithFields(logrus.Fields{"room_id": cfg.RoomID, "source": cfg.Source})

	persistence := restclient.New(cfg.ServerURL, restclient.Options{Logger: cfg.Logger})
	if cfg.Source == SourceServer {
		png, err := persistence.Snapshot(ctx, cfg.RoomID)
		if err != nil {
			return nil, fmt.Errorf("export: failed to download snapshot: %w", err)
		}
		logCtx.WithField("bytes", len(png)).Info("Downloaded server snapshot")
		return png, nil
	}
	return replay(ctx, cfg, persistence, logCtx)
}

// replay 用光栅表面运行一个画板，等历史加载完成后截图
func replay(ctx context.Context, cfg Config, persistence canvas.Persistence, logCtx *logrus.Entry) ([]byte, error) {
	transport := wsclient.New(cfg.ServerURL, wsclient.Options{
		UserID:   cfg.UserID,
		Username: cfg.Username,
		Logger:   cfg.Logger,
	})
	board, err := canvas.NewBoard(canvas.Options{
		RoomID:   cfg.RoomID,
		UserID:   cfg.UserID,
		Username: cfg.Username,
		Logger:   cfg.Logger,
	}, canvas.NewRasterSurface(cfg.Width, cfg.Height), transport, persistence)
	if err != nil {
		return nil, fmt.Errorf("export: failed to create board: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = board.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	timer := time.NewTimer(cfg.LoadTimeout)
	defer timer.Stop()
	for {
		select {
		case <-board.Loaded():
			// 拉取失败但已连接时也会结束加载，此时画布不可信
			if err := drainListFailure(board.Warnings(), logCtx); err != nil {
				return nil, err
			}
			png, err := board.Snapshot()
			if err != nil {
				return nil, fmt.Errorf("export: failed to encode canvas: %w", err)
			}
			view, _ := board.View()
			logCtx.WithFields(logrus.Fields{"strokes": view.Strokes, "online_users": view.OnlineUsers}).Info("Room replayed")
			return png, nil
		case warning := <-board.Warnings():
			if isListFailure(warning) {
				return nil, fmt.Errorf("export: %w", warning)
			}
			logCtx.WithError(warning).Warn("Board warning")
		case <-timer.C:
			return nil, ErrLoadTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isListFailure(err error) bool {
	var pe *canvas.PersistenceError
	return errors.As(err, &pe) && pe.Op == canvas.OpList
}

func drainListFailure(warnings <-chan error, logCtx *logrus.Entry) error {
	for {
		select {
		case warning := <-warnings:
			if isListFailure(warning) {
				return fmt.Errorf("export: %w", warning)
			}
			logCtx.WithError(warning).Warn("Board warning")
		default:
			return nil
		}
	}
}
