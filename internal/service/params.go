package service

import (
	"fmt"
	"strings"

	"github.com/creamcroissant/subrelay/internal/protocol"
)

// Mode 是交付策略。
type Mode string

const (
	ModeFast      Mode = "fast"
	ModeMultiPort Mode = "multiPort"
)

// SubscribeParams 是已校验的请求参数。
type SubscribeParams struct {
	Token    string
	Download bool
	Mode     Mode
	// Target 为空时使用用户记录中的格式。
	Target protocol.Target

	ClientIP  string
	UserAgent string
}

// ParseParams 校验查询参数；必须在鉴权与任何拉取之前调用。
func ParseParams(token, download, mode, target string) (SubscribeParams, error) {
	params := SubscribeParams{Token: strings.TrimSpace(token), Download: true, Mode: ModeFast}
	if params.Token == "" {
		return params, fmt.Errorf("%w: token", ErrMissingParameter)
	}

	switch strings.ToLower(strings.TrimSpace(download)) {
	case "", "true", "1":
		params.Download = true
	case "false", "0":
		params.Download = false
	default:
		return params, fmt.Errorf("%w: download must be true or false", ErrInvalidParameter)
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "fast":
		params.Mode = ModeFast
	case "multiport":
		params.Mode = ModeMultiPort
	default:
		return params, fmt.Errorf("%w: mode must be fast or multiPort", ErrInvalidParameter)
	}

	if strings.TrimSpace(target) != "" {
		t, err := protocol.ParseTarget(target)
		if err != nil {
			return params, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		params.Target = t
	}
	return params, nil
}
