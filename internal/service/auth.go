// 文件路径: internal/service/auth.go
// 模块说明: 这是 internal 模块里的 auth 逻辑，把请求中的 token 解析为用户订阅配置。
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/creamcroissant/subrelay/internal/auth/token"
	"github.com/creamcroissant/subrelay/internal/repository"
)

// Authenticator 校验 token 并返回对应用户；uid 为空表示 /quick 路由，由 token 自行定位用户。
type Authenticator interface {
	Authenticate(ctx context.Context, uid, rawToken string) (*repository.UserSubscription, error)
}

// TokenAuthenticator 接受签名 JWT（subject 为 uid）或用户记录中的不透明 token。
type TokenAuthenticator struct {
	users  repository.UserSubscriptionRepository
	tokens *token.Manager
}

// NewTokenAuthenticator 组装鉴权器；tokens 为空时只接受不透明 token。
func NewTokenAuthenticator(users repository.UserSubscriptionRepository, tokens *token.Manager) *TokenAuthenticator {
	return &TokenAuthenticator{users: users, tokens: tokens}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, uid, rawToken string) (*repository.UserSubscription, error) {
	if a == nil || a.users == nil {
		return nil, fmt.Errorf("authenticator not configured / 鉴权器未配置")
	}
	uid = strings.TrimSpace(uid)
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, fmt.Errorf("%w: token", ErrMissingParameter)
	}

	var (
		user *repository.UserSubscription
		err  error
	)
	if a.tokens != nil && token.LooksLikeJWT(rawToken) {
		user, err = a.fromJWT(ctx, uid, rawToken)
	} else {
		user, err = a.fromOpaque(ctx, uid, rawToken)
	}
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, fmt.Errorf("%w: subscription disabled", ErrUnauthorized)
	}
	return user, nil
}

func (a *TokenAuthenticator) fromJWT(ctx context.Context, uid, rawToken string) (*repository.UserSubscription, error) {
	claims, err := a.tokens.Parse(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if uid != "" && claims.Subject != uid {
		return nil, fmt.Errorf("%w: token does not belong to user", ErrUnauthorized)
	}
	user, err := a.lookup(ctx, a.users.FindByID, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.Target != "" {
		scoped := *user
		scoped.Target = claims.Target
		user = &scoped
	}
	return user, nil
}

func (a *TokenAuthenticator) fromOpaque(ctx context.Context, uid, rawToken string) (*repository.UserSubscription, error) {
	if uid == "" {
		return a.lookup(ctx, a.users.FindByToken, rawToken)
	}
	user, err := a.lookup(ctx, a.users.FindByID, uid)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(user.Token), []byte(rawToken)) != 1 {
		return nil, fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	return user, nil
}

func (a *TokenAuthenticator) lookup(ctx context.Context, find func(context.Context, string) (*repository.UserSubscription, error), key string) (*repository.UserSubscription, error) {
	user, err := find(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}
