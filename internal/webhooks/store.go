package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// undefined_table
const pgUndefinedTable = "42P01"

// Store reads subscriptions from webhook_subscriptions.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStore(d *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: d, log: log}
}

// Migrate creates the subscriptions table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&WebhookSubscription{}); err != nil {
		return fmt.Errorf("migrate webhook_subscriptions: %w", err)
	}
	return nil
}

// ActiveSubscriptions returns every active subscription ordered by id. A
// database without the table has no subscribers.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	var rows []WebhookSubscription
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&rows).Error
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			s.log.Info("webhook_subscriptions table missing; no subscribers")
			return nil, nil
		}
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}

	out := make([]Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.decode(r))
	}
	return out, nil
}

func (s *Store) decode(r WebhookSubscription) Subscription {
	sub := Subscription{ID: r.ID, URL: r.URL, Active: r.Active}
	if r.Secret != nil {
		sub.Secret = *r.Secret
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &sub.Events); err != nil {
			s.log.Warn("ignoring malformed events", zap.Uint("subscription", r.ID), zap.Error(err))
		}
	}
	if len(r.Filters) > 0 && string(r.Filters) != "null" {
		var f Filters
		if err := json.Unmarshal(r.Filters, &f); err != nil {
			s.log.Warn("ignoring malformed filters", zap.Uint("subscription", r.ID), zap.Error(err))
		} else {
			sub.Filters = &f
		}
	}
	return sub
}
