package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/middleware"
	"market-analysis-bot/internal/model"
	"market-analysis-bot/internal/service"
)

func TestHandleLicenseGenerate(t *testing.T) {
	ta := newTestApp(t, nil)

	tests := []struct {
		name       string
		token      string
		input      interface{}
		wantStatus int
	}{
		{
			name:       "valid_license",
			token:      ta.adminToken,
			input:      GenerateInput{Tier: "standard", Count: 2, Note: "promo"},
			wantStatus: fiber.StatusCreated,
		},
		{
			name:       "unknown_tier",
			token:      ta.adminToken,
			input:      GenerateInput{Tier: "gold"},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "too_many",
			token:      ta.adminToken,
			input:      GenerateInput{Tier: "trial", Count: 1000},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "viewer_forbidden",
			token:      ta.viewerToken,
			input:      GenerateInput{Tier: "trial"},
			wantStatus: fiber.StatusForbidden,
		},
		{
			name:       "no_token",
			input:      GenerateInput{Tier: "trial"},
			wantStatus: fiber.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := ta.do(t, http.MethodPost, "/api/v1/licenses/generate", tt.token, tt.input)
			assert.Equal(t, tt.wantStatus, status)
		})
	}

	_, body := ta.do(t, http.MethodGet, "/api/v1/licenses?tier=standard", ta.viewerToken, nil)
	assert.EqualValues(t, 2, body["total"])
}

func TestHandleLicenseActivate(t *testing.T) {
	ta := newTestApp(t, nil)
	key := ta.issue(t, model.TierTrial)

	status, body := ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["reactivated"])
	lic := body["license"].(map[string]interface{})
	assert.Equal(t, "active", lic["status"])
	assert.Equal(t, "1001", lic["assigned_user_id"])

	status, body = ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["reactivated"])

	tests := []struct {
		name       string
		input      interface{}
		wantStatus int
		wantCode   string
	}{
		{"key_in_use", ActivateInput{Key: key, UserID: "2002"}, fiber.StatusConflict, "KEY_IN_USE"},
		{"unknown_key", ActivateInput{Key: "TRL-NOPE", UserID: "2002"}, fiber.StatusNotFound, "INVALID_KEY"},
		{"missing_user", ActivateInput{Key: key}, fiber.StatusBadRequest, "VALIDATION_FAILED"},
		{"second_key", ActivateInput{Key: ta.issue(t, model.TierPremium), UserID: "1001"}, fiber.StatusConflict, "ALREADY_ASSIGNED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", tt.input)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestHandleLicenseRevoke(t *testing.T) {
	ta := newTestApp(t, nil)
	key := ta.issue(t, model.TierStandard)

	status, body := ta.do(t, http.MethodPost, "/api/v1/licenses/"+key+"/revoke", ta.adminToken, RevokeInput{Reason: "refund"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "revoked", body["license"].(map[string]interface{})["status"])

	status, body = ta.do(t, http.MethodPost, "/api/v1/licenses/"+key+"/revoke", ta.adminToken, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "ALREADY_REVOKED", body["code"])

	status, _ = ta.do(t, http.MethodPost, "/api/v1/licenses/STD-NONE/revoke", ta.adminToken, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "ALREADY_REVOKED", body["code"])

	// 审计日志记录了操作员
	logs, _, err := service.NewAuditLog(ta.db, zerolog.Nop()).GetOperationLogs(context.Background(), service.LogQuery{Action: model.ActionRevoke})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "admin", logs[0].Actor)
}

func TestHandleGetLicense(t *testing.T) {
	ta := newTestApp(t, nil)
	key := ta.issue(t, model.TierLifetime)

	status, body := ta.do(t, http.MethodGet, "/api/v1/licenses/"+strings.ToLower(key), ta.viewerToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, key, body["key"])
	assert.Equal(t, "lifetime", body["tier"])
	assert.Nil(t, body["valid_until"])

	status, _ = ta.do(t, http.MethodGet, "/api/v1/licenses/LFT-NONE", ta.viewerToken, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHandleGetAllLicensesValidation(t *testing.T) {
	ta := newTestApp(t, nil)

	status, body := ta.do(t, http.MethodGet, "/api/v1/licenses?status=bogus", ta.viewerToken, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestHandleEntitlement(t *testing.T) {
	ta := newTestApp(t, nil)

	status, body := ta.doUser(t, http.MethodGet, "/api/v1/entitlements/1001?feature=analysis", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "no_license", body["reason"])

	key := ta.issue(t, model.TierTrial)
	ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})

	_, body = ta.doUser(t, http.MethodGet, "/api/v1/entitlements/1001?feature=analysis", nil)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "trial", body["tier"])
	assert.EqualValues(t, 10, body["remaining"])
	assert.Nil(t, body["KeyString"], "key string is never exposed")
}

func TestHandleAnalysis(t *testing.T) {
	ta := newTestApp(t, nil)

	status, body := ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "NO_LICENSE", body["code"])

	key := ta.issue(t, model.TierTrial)
	ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})

	for i := 0; i < 10; i++ {
		status, body = ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"})
		require.Equal(t, fiber.StatusOK, status)
	}
	assert.Equal(t, "ok: BTC?", body["result"].(map[string]interface{})["text"])

	status, body = ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"})
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Equal(t, "QUOTA_EXCEEDED", body["code"])

	status, _ = ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleAnalysisBackendFailure(t *testing.T) {
	ta := newTestApp(t, stubAnalyzer{err: errors.New("backend down")})
	key := ta.issue(t, model.TierTrial)
	ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})

	status, body := ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"})
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "ANALYSIS_FAILED", body["code"])

	count, err := ta.engine.Usage.CurrentCount(context.Background(), "1001")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleAnalysisStaticFallback(t *testing.T) {
	ta := newTestApp(t, analysis.Static{})
	key := ta.issue(t, model.TierTrial)
	ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})

	status, body := ta.doUser(t, http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "ANALYSIS_UNAVAILABLE", body["code"])

	count, err := ta.engine.Usage.CurrentCount(context.Background(), "1001")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleBotMessage(t *testing.T) {
	ta := newTestApp(t, nil)

	status, body := ta.doUser(t, http.MethodPost, "/api/v1/bot/messages", map[string]string{"user_id": "admin-chat", "text": "/genkey premium"})
	require.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body["request_id"])
	assert.Contains(t, body["text"], "Generated 1 premium")

	status, _ = ta.doUser(t, http.MethodPost, "/api/v1/bot/messages", map[string]string{"text": "/help"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestEndUserRoutesRequireGatewaySecret(t *testing.T) {
	ta := newTestApp(t, nil)
	key := ta.issue(t, model.TierTrial)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"bot_genkey", http.MethodPost, "/api/v1/bot/messages", map[string]string{"user_id": "admin-chat", "text": "/genkey lifetime 3"}},
		{"activate", http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"}},
		{"entitlement", http.MethodGet, "/api/v1/entitlements/1001", nil},
		{"analysis", http.MethodPost, "/api/v1/analysis", map[string]string{"user_id": "1001", "text": "BTC?"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ta.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, fiber.StatusUnauthorized, status)
			assert.Equal(t, "UNAUTHORIZED", body["code"])

			header := http.Header{}
			header.Set(middleware.WebhookSecretHeader, "wrong")
			status, _ = ta.send(t, tt.method, tt.path, header, tt.body)
			assert.Equal(t, fiber.StatusUnauthorized, status)

			// 操作员令牌不能代替网关密钥
			status, _ = ta.do(t, tt.method, tt.path, ta.adminToken, tt.body)
			assert.Equal(t, fiber.StatusUnauthorized, status)
		})
	}

	_, total, err := ta.engine.Store.List(context.Background(), license.ListFilter{Tier: model.TierLifetime})
	require.NoError(t, err)
	assert.Zero(t, total, "no keys minted without the gateway secret")

	got, err := ta.engine.Store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, got.Status)
}

func TestHandleLicenseExportDisabled(t *testing.T) {
	ta := newTestApp(t, nil)

	status, body := ta.do(t, http.MethodPost, "/api/v1/licenses/export", ta.adminToken, nil)
	assert.Equal(t, fiber.StatusNotImplemented, status)
	assert.Equal(t, "SHEETS_DISABLED", body["code"])
}

func TestHandleLicenseStatistics(t *testing.T) {
	ta := newTestApp(t, nil)
	key := ta.issue(t, model.TierTrial)
	ta.issue(t, model.TierPremium)
	ta.doUser(t, http.MethodPost, "/api/v1/licenses/activate", ActivateInput{Key: key, UserID: "1001"})

	status, body := ta.do(t, http.MethodGet, "/api/v1/licenses/statistics", ta.viewerToken, nil)
	require.Equal(t, fiber.StatusOK, status)

	data := body["data"].(map[string]interface{})
	stats := data["statistics"].(map[string]interface{})
	assert.EqualValues(t, 2, stats["total_licenses"])
	assert.EqualValues(t, 1, stats["by_status"].(map[string]interface{})["active"])
	assert.EqualValues(t, 0.5, data["activation_rate"])
}
