package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-feed-relay/internal/entity"
)

type InstrumentSubscriptionRepository struct {
	db *sqlx.DB
}

func NewInstrumentSubscriptionRepository(db *sqlx.DB) *InstrumentSubscriptionRepository {
	return &InstrumentSubscriptionRepository{db: db}
}

func (r *InstrumentSubscriptionRepository) Name() string {
	return "postgres"
}

func (r *InstrumentSubscriptionRepository) GetActive(ctx context.Context) ([]entity.InstrumentSubscription, error) {
	query, args, err := activeSubscriptionsQuery()
	if err != nil {
		return nil, err
	}

	var subscriptions []entity.InstrumentSubscription
	err = r.db.SelectContext(ctx, &subscriptions, query, args...)
	return subscriptions, err
}

// Load returns the active watchlist as registry entries. Rows with an unknown
// mode are skipped.
func (r *InstrumentSubscriptionRepository) Load(ctx context.Context) ([]entity.Subscription, error) {
	rows, err := r.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	subs := make([]entity.Subscription, 0, len(rows))
	for _, row := range rows {
		mode, ok := entity.ParseSubscriptionMode(row.Mode)
		if !ok {
			continue
		}
		subs = append(subs, entity.Subscription{InstrumentKey: entity.InstrumentKey(row.InstrumentKey), Mode: mode})
	}

	return subs, nil
}

// Put upserts subs as active rows.
func (r *InstrumentSubscriptionRepository) Put(ctx context.Context, subs []entity.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	query, args, err := upsertSubscriptionsQuery(subs, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// Delete deactivates rows; history is kept.
func (r *InstrumentSubscriptionRepository) Delete(ctx context.Context, keys []entity.InstrumentKey) error {
	if len(keys) == 0 {
		return nil
	}

	query, args, err := deactivateSubscriptionsQuery(keys, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func activeSubscriptionsQuery() (string, []any, error) {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.InstrumentSubscription{}.TableName()).
		Where(sq.Eq{"is_active": true}).
		OrderBy("created_at asc").
		ToSql()
}

func upsertSubscriptionsQuery(subs []entity.Subscription, now time.Time) (string, []any, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(entity.InstrumentSubscription{}.TableName()).
		Columns(
			"instrument_key",
			"mode",
			"is_active",
			"deactivated_at",
			"created_at",
			"updated_at",
		)

	for _, sub := range subs {
		queryBuilder = queryBuilder.Values(
			sub.InstrumentKey.String(),
			string(sub.Mode),
			true,
			nil,
			now,
			now,
		)
	}

	return queryBuilder.
		Suffix(`ON CONFLICT (instrument_key)
DO UPDATE SET
	mode = EXCLUDED.mode,
	is_active = TRUE,
	deactivated_at = NULL,
	updated_at = EXCLUDED.updated_at`).
		ToSql()
}

func deactivateSubscriptionsQuery(keys []entity.InstrumentKey, now time.Time) (string, []any, error) {
	raw := make([]string, 0, len(keys))
	for _, key := range keys {
		raw = append(raw, key.String())
	}

	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(entity.InstrumentSubscription{}.TableName()).
		Set("is_active", false).
		Set("deactivated_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"instrument_key": raw, "is_active": true}).
		ToSql()
}
