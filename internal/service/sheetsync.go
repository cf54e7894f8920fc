package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/model"
)

// 同步队列长度，队列满时丢弃并记录日志
const sheetQueueSize = 256

var sheetHeader = []interface{}{"key", "tier", "status", "user_id", "issued_at", "valid_until", "activated_at", "updated_at", "note"}

// SheetSyncService 把许可证记录镜像到 Google Sheet 供运营查看。
// 数据库是唯一数据源，表格只写不读
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           zerolog.Logger
	queue         chan model.LicenseKey
}

// NewSheetSyncService returns nil when syncing is disabled. Every method is safe
// to call on a nil receiver.
func NewSheetSyncService(ctx context.Context, cfg config.SheetsConfig, log zerolog.Logger, opts ...option.ClientOption) (*SheetSyncService, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.CredentialPath != "" {
		// 读取凭证文件
		b, err := os.ReadFile(cfg.CredentialPath)
		if err != nil {
			return nil, errors.Wrap(err, "read sheets credentials")
		}

		// 使用服务账号授权
		creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, errors.Wrap(err, "load sheets credentials")
		}
		opts = append(opts, option.WithCredentials(creds))
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets client")
	}

	return &SheetSyncService{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		log:           log,
		queue:         make(chan model.LicenseKey, sheetQueueSize),
	}, nil
}

func formatSheetTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func licenseRow(key model.LicenseKey) []interface{} {
	return []interface{}{
		key.KeyString,
		string(key.Tier),
		string(key.Status),
		key.User(),
		formatSheetTime(&key.IssuedAt),
		formatSheetTime(key.ValidUntil),
		formatSheetTime(key.ActivatedAt),
		formatSheetTime(&key.UpdatedAt),
		key.Note,
	}
}

// SyncLicense 更新表格中对应的行，不存在则追加
func (s *SheetSyncService) SyncLicense(ctx context.Context, key model.LicenseKey) error {
	if s == nil {
		return nil
	}

	// 先检查Sheet中是否已存在该Key
	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A2:A").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "read sheet keys")
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && row[0] == key.KeyString {
			rowIndex = i + 2 // 数据从第 2 行开始
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]interface{}{licenseRow(key)}}
	if rowIndex > 0 {
		rangeData := fmt.Sprintf("%s!A%d:I%d", s.sheetName, rowIndex, rowIndex)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, values).
			ValueInputOption("RAW").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A2:I", values).
			ValueInputOption("RAW").Context(ctx).Do()
	}
	if err != nil {
		return errors.Wrap(err, "write sheet row")
	}

	s.log.Debug().Str("key", license.MaskKey(key.KeyString)).Str("status", string(key.Status)).Msg("synced license to sheet")
	return nil
}

// BatchSyncLicenses 用当前数据库内容整体覆盖表格
func (s *SheetSyncService) BatchSyncLicenses(ctx context.Context, keys []model.LicenseKey) error {
	if s == nil {
		return nil
	}

	values := make([][]interface{}, 0, len(keys)+1)
	values = append(values, sheetHeader)
	for _, key := range keys {
		values = append(values, licenseRow(key))
	}

	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.sheetName+"!A:I", &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "clear sheet")
	}

	if _, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "write sheet")
	}

	s.log.Info().Int("rows", len(keys)).Msg("exported licenses to sheet")
	return nil
}

// Hook 作为 KeyStore 的变更回调，只入队不阻塞
func (s *SheetSyncService) Hook(_ context.Context, key model.LicenseKey) {
	if s == nil {
		return
	}
	select {
	case s.queue <- key:
	default:
		s.log.Warn().Str("key", license.MaskKey(key.KeyString)).Msg("sheet sync queue full, dropping update")
	}
}

// Run 消费同步队列直到 ctx 结束
func (s *SheetSyncService) Run(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-s.queue:
			if err := s.SyncLicense(ctx, key); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("key", license.MaskKey(key.KeyString)).Msg("failed to sync license to sheet")
			}
		}
	}
}
