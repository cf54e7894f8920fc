package middleware

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{"valid_secret", "s3cret", "s3cret", fiber.StatusNoContent},
		{"missing_header", "s3cret", "", fiber.StatusUnauthorized},
		{"wrong_secret", "s3cret", "s3cre", fiber.StatusUnauthorized},
		{"unconfigured_rejects_all", "", "", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Post("/hook", Webhook(tt.secret), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusNoContent)
			})

			req, err := http.NewRequest(http.MethodPost, "/hook", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(WebhookSecretHeader, tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
