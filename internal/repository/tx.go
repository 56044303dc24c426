package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/observability"
)

const txRetryStep = 15 * time.Millisecond

// TxManager runs units of work inside a database transaction.
type TxManager interface {
	// WithinTx runs fn in a transaction, retrying the whole unit when the store
	// reports a transient conflict. fn must be safe to run more than once.
	WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	DB() *gorm.DB
}

type txManager struct {
	db         *gorm.DB
	maxRetries int
	logger     zerolog.Logger
}

// NewTxManager constructs a transaction manager retrying transient failures up to maxRetries times.
func NewTxManager(db *gorm.DB, maxRetries int, logger zerolog.Logger) TxManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &txManager{
		db:         db,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "tx_manager").Logger(),
	}
}

func (m *txManager) DB() *gorm.DB {
	return m.db
}

func (m *txManager) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 0; ; attempt++ {
		err := m.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}

		classified := apperror.FromStore(err, "transaction failed")
		if !apperror.Is(classified, apperror.KindTransient) || attempt >= m.maxRetries {
			return classified
		}

		observability.TxRetries().Inc()
		m.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying transaction after transient failure")

		select {
		case <-ctx.Done():
			return apperror.Wrap(apperror.KindTransient, "transaction retry interrupted", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * txRetryStep):
		}
	}
}
