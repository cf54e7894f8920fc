package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/bot"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/middleware"
	"market-analysis-bot/internal/model"
	"market-analysis-bot/internal/service"
	"market-analysis-bot/internal/util"
)

type stubAnalyzer struct {
	err error
}

func (s stubAnalyzer) Analyze(_ context.Context, req analysis.Request) (analysis.Result, error) {
	if s.err != nil {
		return analysis.Result{}, s.err
	}
	return analysis.Result{Text: "ok: " + req.Text}, nil
}

const testWebhookSecret = "gateway-secret"

type testApp struct {
	app         *fiber.App
	db          *gorm.DB
	engine      *license.Engine
	tokens      *util.Tokens
	adminToken  string
	viewerToken string
}

func createOperator(t *testing.T, db *gorm.DB, username, password, role string) *model.Operator {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	op := &model.Operator{Username: username, Password: string(hashed), Role: role}
	require.NoError(t, db.Create(op).Error)
	return op
}

func newTestApp(t *testing.T, analyzer analysis.Analyzer) *testApp {
	t.Helper()

	engine, db := license.OpenTestEngine(t)
	audit := service.NewAuditLog(db, zerolog.Nop())
	engine.Store.OnChange(audit.Hook)
	tokens := util.NewTokens("test-secret", time.Hour)
	if analyzer == nil {
		analyzer = stubAnalyzer{}
	}

	h := New(Options{
		DB:         db,
		Engine:     engine,
		Audit:      audit,
		Tokens:     tokens,
		Dispatcher: bot.NewDispatcher(engine, analyzer, []string{"admin-chat"}, zerolog.Nop()),
		Analyzer:   analyzer,
		Logger:     zerolog.Nop(),

		WebhookSecret: testWebhookSecret,
	})
	app := fiber.New()
	h.Register(app)

	admin := createOperator(t, db, "admin", "admin-password", model.RoleAdmin)
	viewer := createOperator(t, db, "viewer", "viewer-password", model.RoleViewer)
	adminToken, err := tokens.GenerateToken(admin.ID, admin.Username, admin.Role)
	require.NoError(t, err)
	viewerToken, err := tokens.GenerateToken(viewer.ID, viewer.Username, viewer.Role)
	require.NoError(t, err)

	return &testApp{
		app:         app,
		db:          db,
		engine:      engine,
		tokens:      tokens,
		adminToken:  adminToken,
		viewerToken: viewerToken,
	}
}

// do 以操作员身份发送请求并解析 JSON 响应
func (ta *testApp) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return ta.send(t, method, path, header, body)
}

// doUser 模拟聊天网关转发的终端用户请求
func (ta *testApp) doUser(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	header := http.Header{}
	header.Set(middleware.WebhookSecretHeader, testWebhookSecret)
	return ta.send(t, method, path, header, body)
}

func (ta *testApp) send(t *testing.T, method, path string, header http.Header, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header = header
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (ta *testApp) issue(t *testing.T, tier model.Tier) string {
	t.Helper()
	keys, err := ta.engine.Issue(context.Background(), tier, 1, "")
	require.NoError(t, err)
	return keys[0].KeyString
}
