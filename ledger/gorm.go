package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parthshah1/recurpay/agreement"
)

type agreementRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	Tenant          string `gorm:"size:42;not null;index"`
	Company         string `gorm:"size:42;not null"`
	PaymentAmount   string `gorm:"not null"`
	IntervalSeconds int64  `gorm:"not null"`
	LastPaymentTime time.Time
	Active          bool
	Balance         string `gorm:"not null"`
	TotalPaid       string `gorm:"not null"`
	PaymentCount    uint64
	Version         uint64 `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (agreementRow) TableName() string { return "agreements" }

type paymentRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	AgreementID string `gorm:"size:36;not null;uniqueIndex:idx_agreement_sequence"`
	Sequence    uint64 `gorm:"not null;uniqueIndex:idx_agreement_sequence"`
	Amount      string `gorm:"not null"`
	PaidAt      time.Time
	TxHash      string
}

func (paymentRow) TableName() string { return "agreement_payments" }

// GormStore persists agreements through gorm. The unique (agreement_id,
// sequence) index backs up the version check: two executions can never
// record the same payment number.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens a store for dsn. DSNs starting with postgres:// or
// postgresql:// use the postgres driver, anything else is a sqlite path
// (":memory:" included).
func OpenGormStore(dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	isSQLite := false
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
		isSQLite = true
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "open ledger database")
	}

	if isSQLite {
		// sqlite allows one writer; a single connection also keeps
		// ":memory:" databases shared across calls.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "get sql handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and wraps it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&agreementRow{}, &paymentRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate ledger schema")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, a *agreement.Agreement) error {
	row := toRow(a)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "create agreement %s", a.ID)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*agreement.Agreement, error) {
	var row agreementRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load agreement %s", id)
	}
	return fromRow(row)
}

func (s *GormStore) List(ctx context.Context) ([]*agreement.Agreement, error) {
	var rows []agreementRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list agreements")
	}
	out := make([]*agreement.Agreement, 0, len(rows))
	for _, row := range rows {
		a, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, next *agreement.Agreement, expectedVersion uint64, payment *agreement.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&agreementRow{}).
			Where("id = ? AND version = ?", next.ID.String(), expectedVersion).
			Updates(map[string]interface{}{
				"last_payment_time": next.LastPaymentTime,
				"active":            next.Active,
				"balance":           next.Balance.String(),
				"total_paid":        next.TotalPaid.String(),
				"payment_count":     next.PaymentCount,
				"version":           next.Version,
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "update agreement")
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&agreementRow{}).Where("id = ?", next.ID.String()).Count(&count).Error; err != nil {
				return errors.Wrap(err, "check agreement")
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}

		if payment != nil {
			p := paymentRow{
				ID:          payment.ID.String(),
				AgreementID: payment.AgreementID.String(),
				Sequence:    payment.Sequence,
				Amount:      payment.Amount.String(),
				PaidAt:      payment.PaidAt,
				TxHash:      payment.TxHash,
			}
			if err := tx.Create(&p).Error; err != nil {
				return errors.Wrap(err, "record payment")
			}
		}
		return nil
	})
}

func (s *GormStore) Payments(ctx context.Context, id uuid.UUID) ([]*agreement.Payment, error) {
	var rows []paymentRow
	err := s.db.WithContext(ctx).
		Where("agreement_id = ?", id.String()).
		Order("sequence").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list payments for %s", id)
	}

	out := make([]*agreement.Payment, 0, len(rows))
	for _, row := range rows {
		pid, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse payment id %q", row.ID)
		}
		amount, ok := new(big.Int).SetString(row.Amount, 10)
		if !ok {
			return nil, errors.Errorf("corrupt payment amount %q", row.Amount)
		}
		out = append(out, &agreement.Payment{
			ID:          pid,
			AgreementID: id,
			Sequence:    row.Sequence,
			Amount:      amount,
			PaidAt:      row.PaidAt.UTC(),
			TxHash:      row.TxHash,
		})
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(a *agreement.Agreement) agreementRow {
	return agreementRow{
		ID:              a.ID.String(),
		Tenant:          a.Tenant.Hex(),
		Company:         a.Company.Hex(),
		PaymentAmount:   a.PaymentAmount.String(),
		IntervalSeconds: int64(a.Interval / time.Second),
		LastPaymentTime: a.LastPaymentTime,
		Active:          a.Active,
		Balance:         a.Balance.String(),
		TotalPaid:       a.TotalPaid.String(),
		PaymentCount:    a.PaymentCount,
		Version:         a.Version,
	}
}

func fromRow(row agreementRow) (*agreement.Agreement, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse agreement id %q", row.ID)
	}

	ints := make([]*big.Int, 3)
	for i, s := range []string{row.PaymentAmount, row.Balance, row.TotalPaid} {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, errors.Errorf("corrupt amount %q in agreement %s", s, row.ID)
		}
		ints[i] = v
	}

	return &agreement.Agreement{
		ID:              id,
		Tenant:          common.HexToAddress(row.Tenant),
		Company:         common.HexToAddress(row.Company),
		PaymentAmount:   ints[0],
		Interval:        time.Duration(row.IntervalSeconds) * time.Second,
		LastPaymentTime: row.LastPaymentTime.UTC(),
		Active:          row.Active,
		Balance:         ints[1],
		TotalPaid:       ints[2],
		PaymentCount:    row.PaymentCount,
		Version:         row.Version,
	}, nil
}
