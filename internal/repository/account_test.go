package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/exchange/orchestrator/internal/model"
)

var accountCols = []string{"id", "membership_id", "exchange", "api_key", "api_secret", "active", "created_at", "updated_at"}

func TestAccountRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewAccountRepository(db)
	now := fixedNow(&repo.now)
	key, secret := "key", "secret"

	insert := regexp.QuoteMeta(`INSERT INTO exchange_accounts`)
	mock.ExpectExec(insert).
		WithArgs("acc-1", "m-1", "BITMEX", "key", "secret", false, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := &model.ExchangeAccount{ID: "acc-1", MembershipID: "m-1", Exchange: model.ExchangeBitmex, APIKey: &key, APISecret: &secret}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}

	mock.ExpectExec(insert).WillReturnError(&pq.Error{Code: "23505"})
	if err := repo.Create(context.Background(), a); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAccountRepository_ListByMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE membership_id = $1`)).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acc-1", "m-1", "BITMEX", "k", "s", true, now, now).
			AddRow("acc-2", "m-1", "BINANCE", nil, nil, false, now, now))

	accounts, err := NewAccountRepository(db).ListByMembership(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if !accounts[0].HasCredentials() || accounts[1].HasCredentials() {
		t.Fatalf("unexpected credentials state")
	}
	if accounts[1].Exchange != model.ExchangeBinance || accounts[1].Active {
		t.Fatalf("unexpected second account %+v", accounts[1])
	}
}

func TestAccountRepository_Mutations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewAccountRepository(db)
	now := fixedNow(&repo.now)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`SET active = $1, updated_at = $2 WHERE id = $3`)).
		WithArgs(true, now, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.SetActive(ctx, "acc-1", true); err != nil {
		t.Fatalf("set active: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`SET api_key = $1, api_secret = $2, updated_at = $3 WHERE id = $4`)).
		WithArgs("k2", "s2", now, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.UpdateCredentials(ctx, "acc-1", "k2", "s2"); err != nil {
		t.Fatalf("update credentials: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`SET api_key = NULL, api_secret = NULL, active = false`)).
		WithArgs(now, "acc-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.ScrubCredentials(ctx, "acc-404"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
