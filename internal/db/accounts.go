package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAccountNotFound = errors.New("account not found")

func (d *DB) CreateAccount(username, passwordHash string) (*Account, error) {
	acc := &Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	_, err := d.sql.Exec(`
		INSERT INTO accounts (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, acc.ID, acc.Username, acc.PasswordHash, acc.CreatedAt.Unix())
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (d *DB) GetAccountByUsername(username string) (*Account, error) {
	var acc Account
	var created int64
	err := d.sql.QueryRow(`
		SELECT id, username, password_hash, created_at FROM accounts WHERE username = ?
	`, username).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = time.Unix(created, 0)
	return &acc, nil
}

func (d *DB) UpdateAccountPassword(accountID, passwordHash string) error {
	_, err := d.sql.Exec(`UPDATE accounts SET password_hash = ? WHERE id = ?`, passwordHash, accountID)
	return err
}

func (d *DB) SaveRefreshToken(token, accountID string, expiresAt time.Time) error {
	_, err := d.sql.Exec(`
		INSERT INTO refresh_tokens (token, account_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, token, accountID, expiresAt.Unix(), time.Now().Unix())
	return err
}

// GetRefreshToken returns nil when the token does not exist or has expired.
func (d *DB) GetRefreshToken(token string) (*RefreshToken, error) {
	var rt RefreshToken
	var expires, created int64
	err := d.sql.QueryRow(`
		SELECT token, account_id, expires_at, created_at FROM refresh_tokens WHERE token = ?
	`, token).Scan(&rt.Token, &rt.AccountID, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rt.ExpiresAt = time.Unix(expires, 0)
	rt.CreatedAt = time.Unix(created, 0)
	if time.Now().After(rt.ExpiresAt) {
		d.DeleteRefreshToken(token)
		return nil, nil
	}
	return &rt, nil
}

func (d *DB) DeleteRefreshToken(token string) error {
	_, err := d.sql.Exec(`DELETE FROM refresh_tokens WHERE token = ?`, token)
	return err
}

func (d *DB) DeleteRefreshTokensByAccount(accountID string) error {
	_, err := d.sql.Exec(`DELETE FROM refresh_tokens WHERE account_id = ?`, accountID)
	return err
}

func (d *DB) GetAccountByID(id string) (*Account, error) {
	var acc Account
	var created int64
	err := d.sql.QueryRow(`
		SELECT id, username, password_hash, created_at FROM accounts WHERE id = ?
	`, id).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = time.Unix(created, 0)
	return &acc, nil
}
