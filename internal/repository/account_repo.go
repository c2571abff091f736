package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ezreply/internal/model"
	"ezreply/pkg/secret"
	"ezreply/pkg/util"
)

// AccountRepository 只读访问 mailbox_accounts，密码通过 Cipher 解密
type AccountRepository struct {
	db     *pgxpool.Pool
	cipher secret.Cipher
}

func NewAccountRepository(db *pgxpool.Pool, cipher secret.Cipher) *AccountRepository {
	return &AccountRepository{db: db, cipher: cipher}
}

const selectAccount = `
	SELECT id, address, display_name, kind, imap_host, imap_port, imap_security,
	       smtp_host, smtp_port, smtp_security, username, password_enc, notify_address,
	       status, timezone, working_hours_start, working_hours_end
	FROM mailbox_accounts
`

func scanAccount(row pgx.Row) (model.MailboxAccount, error) {
	var a model.MailboxAccount
	err := row.Scan(
		&a.ID, &a.Address, &a.DisplayName, &a.Kind, &a.IMAPHost, &a.IMAPPort, &a.IMAPSecurity,
		&a.SMTPHost, &a.SMTPPort, &a.SMTPSecurity, &a.Username, &a.PasswordEnc, &a.NotifyAddress,
		&a.Status, &a.Timezone, &a.WorkingHoursStart, &a.WorkingHoursEnd,
	)
	return a, err
}

// ListActive 返回所有 active 账号，密码未解密
func (r *AccountRepository) ListActive(ctx context.Context) ([]model.MailboxAccount, error) {
	rows, err := r.db.Query(ctx, selectAccount+` WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.MailboxAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// FindByID 密码未解密
func (r *AccountRepository) FindByID(ctx context.Context, id int64) (model.MailboxAccount, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, selectAccount+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MailboxAccount{}, fmt.Errorf("%w: account %d: %w", util.ErrConfigurationMissing, id, model.ErrNotFound)
	}
	if err != nil {
		return model.MailboxAccount{}, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// FindResolved 返回已解密密码的账号
func (r *AccountRepository) FindResolved(ctx context.Context, id int64) (model.MailboxAccount, error) {
	a, err := r.FindByID(ctx, id)
	if err != nil {
		return a, err
	}
	return r.Resolve(ctx, a)
}

// Resolve 解密账号密码，每次使用前调用，不缓存
func (r *AccountRepository) Resolve(_ context.Context, a model.MailboxAccount) (model.MailboxAccount, error) {
	if a.PasswordEnc == "" {
		return a, fmt.Errorf("%w: account %d has no credentials", util.ErrConfigurationMissing, a.ID)
	}
	plain, err := r.cipher.Decrypt(a.PasswordEnc)
	if err != nil {
		return a, fmt.Errorf("%w: account %d credentials: %v", util.ErrConfigurationMissing, a.ID, err)
	}
	a.Password = plain
	return a, nil
}

// SyncMark 没有记录时返回零值，从头同步
func (r *AccountRepository) SyncMark(ctx context.Context, accountID int64) (model.SyncMark, error) {
	mark := model.SyncMark{AccountID: accountID}
	var validity, last int64
	err := r.db.QueryRow(ctx, `
		SELECT uid_validity, last_uid FROM mailbox_sync_state WHERE account_id = $1
	`, accountID).Scan(&validity, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return mark, nil
	}
	if err != nil {
		return mark, fmt.Errorf("failed to get sync mark: %w", err)
	}
	mark.UIDValidity, mark.LastUID = uint32(validity), uint32(last)
	return mark, nil
}

func (r *AccountRepository) SaveSyncMark(ctx context.Context, mark model.SyncMark) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO mailbox_sync_state (account_id, uid_validity, last_uid, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET uid_validity = EXCLUDED.uid_validity, last_uid = EXCLUDED.last_uid, updated_at = NOW()
	`, mark.AccountID, int64(mark.UIDValidity), int64(mark.LastUID))
	if err != nil {
		return fmt.Errorf("failed to save sync mark: %w", err)
	}
	return nil
}
