package license

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"market-analysis-bot/internal/model"
)

// 160 位随机数，远超 128 位下限
const keyEntropyBytes = 20

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// 前缀只用于人工识别，等级以数据库记录为准
var tierPrefixes = map[model.Tier]string{
	model.TierTrial:    "TRL",
	model.TierStandard: "STD",
	model.TierPremium:  "PRM",
	model.TierLifetime: "LFT",
}

// Generator produces new issued license keys. It has no side effects; callers
// persist the result.
type Generator struct {
	policy Policy
	random io.Reader
	Now    func() time.Time
}

func NewGenerator(policy Policy) *Generator {
	return &Generator{
		policy: policy,
		random: rand.Reader,
		Now:    time.Now,
	}
}

func (g *Generator) Generate(tier model.Tier) (model.LicenseKey, error) {
	tp, ok := g.policy.For(tier)
	if !ok {
		return model.LicenseKey{}, errors.Wrapf(ErrUnknownTier, "%q", tier)
	}

	buf := make([]byte, keyEntropyBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return model.LicenseKey{}, errors.Wrap(err, "read random bytes")
	}

	issued := g.Now().UTC().Truncate(time.Millisecond)
	key := model.LicenseKey{
		KeyString: formatKey(tierPrefixes[tier], keyEncoding.EncodeToString(buf)),
		Tier:      tier,
		Status:    model.StatusIssued,
		IssuedAt:  issued,
	}
	if tp.Expires() {
		until := issued.AddDate(0, 0, tp.DurationDays)
		key.ValidUntil = &until
	}
	return key, nil
}

// formatKey 每 4 个字符一组：PRM-ABCD-EFGH-...
func formatKey(prefix, body string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < len(body); i += 4 {
		end := i + 4
		if end > len(body) {
			end = len(body)
		}
		sb.WriteByte('-')
		sb.WriteString(body[i:end])
	}
	return sb.String()
}

// NormalizeKey canonicalizes user input before lookup.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// TierFromKey reads the tier tag embedded in a key string. It is a display hint
// only; the stored record is authoritative.
func TierFromKey(key string) (model.Tier, bool) {
	prefix, _, ok := strings.Cut(NormalizeKey(key), "-")
	if !ok {
		return "", false
	}
	for tier, p := range tierPrefixes {
		if p == prefix {
			return tier, true
		}
	}
	return "", false
}

// MaskKey 日志中只保留前缀和末尾 4 位
func MaskKey(key string) string {
	if len(key) < 12 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
