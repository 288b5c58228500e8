// 文件路径: internal/bootstrap/signing_key.go
// 模块说明: 这是 internal 模块里的 signing_key 逻辑，解析订阅令牌的签名密钥：配置优先，其次数据库，最后自动生成并持久化。
package bootstrap

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creamcroissant/subrelay/internal/config"
)

// SigningKeySource 标记签名密钥的来源，便于启动日志排查。
type SigningKeySource string

const (
	SigningKeyFromConfig    SigningKeySource = "config"
	SigningKeyFromSettings  SigningKeySource = "settings"
	SigningKeyFromGenerated SigningKeySource = "generated"
)

const (
	signingKeySetting  = "auth_signing_key"
	signingKeyCategory = "security"
	signingKeyBytes    = 32
	signingKeyHint     = "you can set SUBRELAY_AUTH_SIGNING_KEY"
)

// ResolveSigningKey 返回可用的签名密钥。多个实例共享同一数据库时，
// 只有第一个写入的随机密钥生效，其余实例读回同一个值。
func ResolveSigningKey(ctx context.Context, db *sql.DB, auth config.AuthConfig, now func() time.Time) (string, SigningKeySource, error) {
	return resolveSigningKey(ctx, db, auth, now, rand.Reader)
}

func resolveSigningKey(ctx context.Context, db *sql.DB, auth config.AuthConfig, now func() time.Time, entropy io.Reader) (string, SigningKeySource, error) {
	if auth.HasCustomSigningKey() {
		return strings.TrimSpace(auth.SigningKey), SigningKeyFromConfig, nil
	}
	if db == nil {
		return "", "", fmt.Errorf("resolve signing key: database is required when auth.signing_key is unset; %s", signingKeyHint)
	}
	if now == nil {
		now = time.Now
	}

	stored, err := loadSetting(ctx, db, signingKeySetting)
	if err != nil {
		return "", "", fmt.Errorf("load signing key: %w; %s", err, signingKeyHint)
	}
	if stored != "" {
		return stored, SigningKeyFromSettings, nil
	}

	raw := make([]byte, signingKeyBytes)
	if _, err := io.ReadFull(entropy, raw); err != nil {
		return "", "", fmt.Errorf("generate signing key: %w; %s", err, signingKeyHint)
	}
	generated := hex.EncodeToString(raw)
	if err := storeSettingIfEmpty(ctx, db, signingKeySetting, signingKeyCategory, generated, now().Unix()); err != nil {
		return "", "", fmt.Errorf("persist signing key: %w; %s", err, signingKeyHint)
	}

	// 并发启动时以数据库里最终的值为准
	stored, err = loadSetting(ctx, db, signingKeySetting)
	if err != nil {
		return "", "", fmt.Errorf("reload signing key: %w; %s", err, signingKeyHint)
	}
	if stored == "" {
		return "", "", fmt.Errorf("signing key missing after persistence; %s", signingKeyHint)
	}
	if stored == generated {
		return stored, SigningKeyFromGenerated, nil
	}
	return stored, SigningKeyFromSettings, nil
}

func loadSetting(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func storeSettingIfEmpty(ctx context.Context, db *sql.DB, key, category, value string, updatedAt int64) error {
	const stmt = `INSERT INTO settings(key, value, category, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE TRIM(settings.value) = ''`
	_, err := db.ExecContext(ctx, stmt, key, value, category, updatedAt)
	return err
}
