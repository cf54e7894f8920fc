// Package bot turns chat messages into license and analysis operations. It is
// transport agnostic: adapters deliver Message values and send back Reply text.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/model"
	"market-analysis-bot/internal/service"
)

const (
	FeatureAnalysis = "analysis"

	// 单条命令最多生成的许可证数量
	maxGenerate = 20
)

type Message struct {
	UserID   string `json:"user_id" validate:"required,max=64"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text" validate:"max=4000"`
	ImageURL string `json:"image_url" validate:"omitempty,url"`
}

type Reply struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type Dispatcher struct {
	engine   *license.Engine
	analyzer analysis.Analyzer
	admins   map[string]struct{}
	log      zerolog.Logger
}

func NewDispatcher(engine *license.Engine, analyzer analysis.Analyzer, adminIDs []string, log zerolog.Logger) *Dispatcher {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Dispatcher{
		engine:   engine,
		analyzer: analyzer,
		admins:   admins,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

func (d *Dispatcher) isAdmin(userID string) bool {
	_, ok := d.admins[userID]
	return ok
}

// Handle 处理一条消息并返回回复
func (d *Dispatcher) Handle(ctx context.Context, msg Message) Reply {
	requestID := uuid.NewString()
	log := d.log.With().Str("request_id", requestID).Str("user_id", msg.UserID).Logger()
	ctx = service.WithActor(ctx, service.Actor{Name: "chat:" + msg.UserID})

	start := time.Now()
	text := d.dispatch(log.WithContext(ctx), msg)
	log.Debug().Dur("elapsed", time.Since(start)).Msg("handled message")

	return Reply{RequestID: requestID, Text: text}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) string {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return d.analyze(ctx, msg)
	}

	// 兼容 /cmd@botname 形式
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		return d.help(msg.UserID)
	case "/activate":
		if len(args) != 1 {
			return "Usage: /activate <license-key>"
		}
		return d.activate(ctx, args[0], msg.UserID)
	case "/status":
		return d.status(ctx, msg.UserID)
	case "/genkey":
		if !d.isAdmin(msg.UserID) {
			return "This command is restricted to administrators."
		}
		return d.generate(ctx, args)
	case "/revoke":
		if !d.isAdmin(msg.UserID) {
			return "This command is restricted to administrators."
		}
		if len(args) == 0 {
			return "Usage: /revoke <license-key> [reason]"
		}
		return d.revoke(ctx, args[0], strings.Join(args[1:], " "))
	}
	return "Unknown command. Send /help for the list of commands."
}

func (d *Dispatcher) help(userID string) string {
	var sb strings.Builder
	sb.WriteString("Send a question or a chart image to get a market analysis.\n\n")
	sb.WriteString("/activate <key> - activate your license key\n")
	sb.WriteString("/status - show your license and today's usage\n")
	sb.WriteString("/help - show this message\n")
	if d.isAdmin(userID) {
		sb.WriteString("/genkey <tier> [count] - issue license keys\n")
		sb.WriteString("/revoke <key> [reason] - revoke a license key\n")
	}
	return sb.String()
}

func (d *Dispatcher) activate(ctx context.Context, key, userID string) string {
	res, err := d.engine.Activator.Activate(ctx, key, userID)
	if err != nil {
		return activationMessage(err)
	}
	if res.Reactivated {
		return "This license is already active on your account. " + describeKey(res.Key)
	}
	return "License activated. " + describeKey(res.Key)
}

func (d *Dispatcher) status(ctx context.Context, userID string) string {
	dec, err := d.engine.Status(ctx, userID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("status check failed")
		return denialMessage(license.ReasonStorageUnavailable)
	}
	if dec.Tier == "" {
		return denialMessage(dec.Reason)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tier: %s\n", dec.Tier)
	if dec.ValidUntil != nil {
		fmt.Fprintf(&sb, "Valid until: %s\n", dec.ValidUntil.UTC().Format("2006-01-02 15:04 MST"))
	} else {
		sb.WriteString("Valid until: never expires\n")
	}
	if dec.Reason == license.ReasonExpired {
		sb.WriteString(denialMessage(dec.Reason))
		return sb.String()
	}
	if dec.Quota > 0 {
		fmt.Fprintf(&sb, "Requests today: %d of %d", dec.Used, dec.Quota)
	} else {
		sb.WriteString("Requests today: unlimited")
	}
	if !dec.Allowed {
		sb.WriteString("\n" + denialMessage(dec.Reason))
	}
	return sb.String()
}

func (d *Dispatcher) generate(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /genkey <trial|standard|premium|lifetime> [count]"
	}
	tier := model.Tier(strings.ToLower(args[0]))
	if !tier.Valid() {
		return fmt.Sprintf("Unknown tier %q.", args[0])
	}
	count := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 || n > maxGenerate {
			return fmt.Sprintf("Count must be between 1 and %d.", maxGenerate)
		}
		count = n
	}

	keys, err := d.engine.Issue(ctx, tier, count, "chat")
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("generate keys failed")
		return "Failed to generate keys, please try again later."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Generated %d %s key(s):", len(keys), tier)
	for _, k := range keys {
		sb.WriteString("\n" + k.KeyString)
	}
	return sb.String()
}

func (d *Dispatcher) revoke(ctx context.Context, key, reason string) string {
	_, err := d.engine.Activator.Revoke(ctx, key, reason)
	switch {
	case err == nil:
		return "License revoked."
	case errors.Is(err, license.ErrNotFound):
		return "License key not found."
	case errors.Is(err, license.ErrAlreadyRevoked):
		return "License is already revoked."
	case errors.Is(err, license.ErrAlreadyExpired):
		return "License has already expired."
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("revoke failed")
	return "Failed to revoke the license, please try again later."
}

func (d *Dispatcher) analyze(ctx context.Context, msg Message) string {
	req := analysis.Request{UserID: msg.UserID, Text: msg.Text, ImageURL: msg.ImageURL}
	if req.Empty() {
		return d.help(msg.UserID)
	}

	var result analysis.Result
	dec, err := d.engine.Guard.Run(ctx, msg.UserID, FeatureAnalysis, func(ctx context.Context) error {
		var err error
		result, err = d.analyzer.Analyze(ctx, req)
		return err
	})
	switch {
	case err == nil:
		if dec.Quota > 0 {
			return fmt.Sprintf("%s\n\n(%d of %d requests left today)", result.Text, dec.Remaining, dec.Quota)
		}
		return result.Text
	case !dec.Allowed:
		return denialMessage(dec.Reason)
	case errors.Is(err, analysis.ErrUnavailable):
		zerolog.Ctx(ctx).Warn().Msg("analysis backend not configured")
		return "Market analysis is not available yet. Your request was not counted."
	}

	zerolog.Ctx(ctx).Error().Err(err).Msg("analysis failed")
	return "The analysis service is unavailable right now. Your request was not counted."
}

func describeKey(k model.LicenseKey) string {
	if k.ValidUntil == nil {
		return fmt.Sprintf("Tier: %s, never expires.", k.Tier)
	}
	return fmt.Sprintf("Tier: %s, valid until %s.", k.Tier, k.ValidUntil.UTC().Format("2006-01-02 15:04 MST"))
}

func activationMessage(err error) string {
	switch {
	case errors.Is(err, license.ErrInvalidKey):
		return "This license key is not valid."
	case errors.Is(err, license.ErrAlreadyAssigned):
		return "You already have an active license."
	case errors.Is(err, license.ErrKeyInUse):
		return "This license key is already in use."
	case errors.Is(err, license.ErrAlreadyExpired):
		return "This license key has expired."
	case errors.Is(err, license.ErrAlreadyRevoked):
		return "This license key has been revoked."
	case errors.Is(err, license.ErrConcurrentActivation):
		return "This license key was just activated. Send /status to check."
	}
	return "Activation is temporarily unavailable, please try again later."
}

func denialMessage(reason license.Reason) string {
	switch reason {
	case license.ReasonNoLicense:
		return "You need an active license. Send /activate <key> to activate one."
	case license.ReasonExpired:
		return "Your license has expired. Please activate a new key."
	case license.ReasonQuotaExceeded:
		return "You have reached today's request limit. It resets at midnight."
	case license.ReasonFeatureUnavailable:
		return "This feature is not included in your license tier."
	}
	return "The license service is unavailable right now, please try again later."
}
