package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailgrab/mailgrab/autodiscover"
	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/session"
	"github.com/mailgrab/mailgrab/syncer"
)

// tokenRefreshWindow renews credentials expiring within this margin so a
// long sync never starts with a token about to die under it.
const tokenRefreshWindow = 5 * time.Minute

// TokenRefresher renews a time-limited credential for an account and
// returns the new secret with its expiry.
type TokenRefresher interface {
	Refresh(ctx context.Context, account *syncer.Account) (password string, expiresAt time.Time, err error)
}

// CreateAccount inserts an account and returns its id.
func (db *Database) CreateAccount(ctx context.Context, account *syncer.Account) (int64, error) {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO accounts (owner_id, email, password, protocol, host, url, port, secure, proxy_id, folders, token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, account.OwnerID, account.Email, account.Password, string(account.Protocol),
		account.Host, account.URL, account.Port, account.Secure,
		account.ProxyID, account.Folders, account.TokenExpiresAt).Scan(&id)
	observe("create_account", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to create account for %s: %w", helpers.MaskEmail(account.Email), err)
	}
	return id, nil
}

// GetAccount loads one account record.
func (db *Database) GetAccount(ctx context.Context, accountID int64) (*syncer.Account, error) {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var account syncer.Account
	var protocol string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, owner_id, email, password, protocol, host, url, port, secure, proxy_id, folders, token_expires_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&account.ID, &account.OwnerID, &account.Email, &account.Password,
		&protocol, &account.Host, &account.URL, &account.Port, &account.Secure,
		&account.ProxyID, &account.Folders, &account.TokenExpiresAt)
	observe("get_account", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	account.Protocol = autodiscover.Protocol(protocol)
	return &account, nil
}

// GetProxy loads one proxy record.
func (db *Database) GetProxy(ctx context.Context, proxyID int64) (*session.ProxyConfig, error) {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var p session.ProxyConfig
	var kind string
	var username, password *string
	err := db.Pool.QueryRow(ctx, `
		SELECT host, port, kind, username, password FROM proxies WHERE id = $1
	`, proxyID).Scan(&p.Host, &p.Port, &kind, &username, &password)
	observe("get_proxy", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrProxyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy %d: %w", proxyID, err)
	}
	p.Kind = session.ProxyKind(kind)
	if username != nil {
		p.Username = *username
	}
	if password != nil {
		p.Password = *password
	}
	return &p, nil
}

// FreshCredentials returns usable credentials for an account, renewing a
// time-limited token that is expired or about to expire.
func (db *Database) FreshCredentials(ctx context.Context, account *syncer.Account) (session.Credentials, error) {
	creds := session.Credentials{Email: account.Email, Password: account.Password}

	if account.TokenExpiresAt == nil || db.refresher == nil {
		return creds, nil
	}
	if time.Until(*account.TokenExpiresAt) > tokenRefreshWindow {
		return creds, nil
	}

	password, expiresAt, err := db.refresher.Refresh(ctx, account)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("token refresh for %s failed: %w",
			helpers.MaskEmail(account.Email), err)
	}

	start := time.Now()
	qctx, cancel := db.queryCtx(ctx)
	defer cancel()
	_, err = db.Pool.Exec(qctx, `
		UPDATE accounts SET password = $2, token_expires_at = $3, updated_at = now() WHERE id = $1
	`, account.ID, password, expiresAt)
	observe("refresh_credentials", start, err)
	if err != nil {
		// The refreshed token is still valid even if persisting it failed.
		logger.Warn("DB: failed to persist refreshed credentials",
			"account_id", account.ID, "error", err)
	}

	account.Password = password
	account.TokenExpiresAt = &expiresAt
	logger.Info("DB: credentials refreshed",
		"account_id", account.ID, "email", helpers.MaskEmail(account.Email), "expires_at", expiresAt)
	return session.Credentials{Email: account.Email, Password: password}, nil
}
