package license

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-analysis-bot/internal/model"
)

var keyPattern = regexp.MustCompile(`^(TRL|STD|PRM|LFT)(-[A-Z2-7]{4}){8}$`)

func TestGenerate(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	g := NewGenerator(DefaultPolicy())
	g.Now = func() time.Time { return now }

	tests := []struct {
		tier   model.Tier
		prefix string
		until  *time.Time
	}{
		{model.TierTrial, "TRL", ptrTime(now.AddDate(0, 0, 3))},
		{model.TierStandard, "STD", ptrTime(now.AddDate(0, 0, 30))},
		{model.TierPremium, "PRM", ptrTime(now.AddDate(0, 0, 90))},
		{model.TierLifetime, "LFT", nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			key, err := g.Generate(tt.tier)
			require.NoError(t, err)

			assert.Regexp(t, keyPattern, key.KeyString)
			assert.Equal(t, tt.prefix, key.KeyString[:3])
			assert.Equal(t, model.StatusIssued, key.Status)
			assert.Nil(t, key.AssignedUserID)
			assert.True(t, key.IssuedAt.Equal(now))
			if tt.until == nil {
				assert.Nil(t, key.ValidUntil)
			} else {
				require.NotNil(t, key.ValidUntil)
				assert.True(t, key.ValidUntil.Equal(*tt.until))
			}

			tier, ok := TierFromKey(key.KeyString)
			assert.True(t, ok)
			assert.Equal(t, tt.tier, tier)
		})
	}
}

func TestGenerateUnknownTier(t *testing.T) {
	_, err := NewGenerator(DefaultPolicy()).Generate("platinum")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestGenerateRandomFailure(t *testing.T) {
	g := NewGenerator(DefaultPolicy())
	g.random = bytes.NewReader([]byte{1, 2, 3})

	_, err := g.Generate(model.TierTrial)
	assert.Error(t, err)
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator(DefaultPolicy())
	seen := make(map[string]struct{})
	for i := 0; i < 5000; i++ {
		key, err := g.Generate(model.TierStandard)
		require.NoError(t, err)
		_, dup := seen[key.KeyString]
		require.False(t, dup, "duplicate key %s", key.KeyString)
		seen[key.KeyString] = struct{}{}
	}
}

// 任意输入规范化后再规范化结果不变
func TestNormalizeKeyIdempotent(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("normalize is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeKey(s)
			return NormalizeKey(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestNormalizeAndMask(t *testing.T) {
	assert.Equal(t, "TRL-ABCD-EFGH", NormalizeKey("  trl-abcd-efgh \n"))
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "PRM-****WXYZ", MaskKey("PRM-ABCD-EFGH-IJKL-WXYZ"))

	_, ok := TierFromKey("XYZ-ABCD")
	assert.False(t, ok)
	_, ok = TierFromKey("nodash")
	assert.False(t, ok)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
