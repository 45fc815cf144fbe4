package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/gradeflow/internal/common"
)

const (
	accountsTable = "accounts"
	chargesTable  = "ledger_charges"
)

// SQLLedger keeps account balances and one row per charge reference.
type SQLLedger struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger
}

func NewSQLLedger(db *sql.DB, dialectName string, log *slog.Logger) *SQLLedger {
	if log == nil {
		log = slog.Default()
	}
	return &SQLLedger{db: db, dialect: dialectName, log: log}
}

func (l *SQLLedger) Deduct(ctx context.Context, accountID string, amount int64, ref string) (err error) {
	if amount <= 0 {
		return common.NewAppError("INVALID_AMOUNT", "amount must be positive", common.ErrInvalidInput)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin deduct", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	b := entsql.Dialect(l.dialect)
	if ref != "" {
		query, args := b.Insert(chargesTable).
			Columns("ref", "account_id", "amount", "created_at").
			Values(ref, accountID, amount, time.Now().UnixMilli()).
			OnConflict(entsql.ConflictColumns("ref"), entsql.DoNothing()).
			Query()
		res, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return dbErr("record charge", execErr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.log.Warn("charge reference already used", "account_id", accountID, "ref", ref)
			return ErrAlreadyCharged
		}
	}

	query, args := b.Update(accountsTable).
		Add("balance", -amount).
		Where(entsql.And(
			entsql.EQ("account_id", accountID),
			entsql.GTE("balance", amount),
		)).
		Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return dbErr("debit account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.log.Warn("deduct rejected", "account_id", accountID, "amount", amount, "ref", ref)
		return ErrInsufficientBalance
	}
	if err = tx.Commit(); err != nil {
		return dbErr("commit deduct", err)
	}
	l.log.Info("account debited", "account_id", accountID, "amount", amount, "ref", ref)
	return nil
}

func (l *SQLLedger) Credit(ctx context.Context, accountID string, amount int64) (err error) {
	if amount <= 0 {
		return common.NewAppError("INVALID_AMOUNT", "amount must be positive", common.ErrInvalidInput)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin credit", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	b := entsql.Dialect(l.dialect)
	query, args := b.Insert(accountsTable).
		Columns("account_id", "balance").
		Values(accountID, 0).
		OnConflict(entsql.ConflictColumns("account_id"), entsql.DoNothing()).
		Query()
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return dbErr("open account", err)
	}
	query, args = b.Update(accountsTable).
		Add("balance", amount).
		Where(entsql.EQ("account_id", accountID)).
		Query()
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return dbErr("credit account", err)
	}
	if err = tx.Commit(); err != nil {
		return dbErr("commit credit", err)
	}
	l.log.Info("account credited", "account_id", accountID, "amount", amount)
	return nil
}

func (l *SQLLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	b := entsql.Dialect(l.dialect)
	query, args := b.Select("balance").
		From(b.Table(accountsTable)).
		Where(entsql.EQ("account_id", accountID)).
		Query()
	var balance int64
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dbErr("read balance", err)
	}
	return balance, nil
}
