// Package analysis talks to the external market-analysis backend. The license
// engine never depends on it; callers gate it through license.Guard.Run.
package analysis

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/config"
)

// Request 一次分析请求，文本和图片至少有一个
type Request struct {
	UserID   string `json:"user_id" validate:"required"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url" validate:"omitempty,url"`
}

func (r Request) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && r.ImageURL == ""
}

type Result struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// New returns an HTTP client when an endpoint is configured, otherwise the
// static fallback.
func New(cfg config.AnalysisConfig, log zerolog.Logger) Analyzer {
	if cfg.Endpoint == "" {
		log.Warn().Msg("analysis.endpoint not set, using static analyzer")
		return Static{}
	}
	return NewClient(cfg)
}

// ErrUnavailable 没有可用的分析后端，调用方不应计费
var ErrUnavailable = errors.New("analysis backend is not configured")

// Static 未配置分析服务时的占位实现，总是返回 ErrUnavailable
type Static struct{}

func (Static) Analyze(_ context.Context, req Request) (Result, error) {
	if req.Empty() {
		return Result{}, ErrEmptyRequest
	}
	return Result{}, ErrUnavailable
}
