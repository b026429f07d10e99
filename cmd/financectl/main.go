// Package main is the finance operator CLI: payouts, earning cancellations,
// ledger balance and statement export, and short-lived admin tokens.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/database"
	"github.com/aura-learn/backend/pkg/storage"
)

var Version = "dev"

func main() {
	if err := newRootCmd(openServices, config.Load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openServices connects to Postgres (and S3 when configured) and builds the
// finance services. The returned func releases them.
func openServices(ctx context.Context, cfg *config.Config) (*services, func(), error) {
	logger := zap.NewNop()
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}

	var statements ledger.ObjectStore
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			StatementsBucket:     cfg.AWS.StatementsBucket,
			ReceiptsBucket:       cfg.AWS.ReceiptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("s3: %w", err)
		}
		statements = storage.StatementStore{S3: s3Client}
	}

	svc := &services{
		earnings: map[models.PayeeKind]earningsOps{},
		ledger:   ledger.NewRecorder(ledger.NewRepository(pool), statements, storage.StatementKey, logger),
		audit:    audit.NewRecorder(audit.NewRepository(pool), logger),
		migrate:  func(ctx context.Context) ([]string, error) { return database.Migrate(ctx, pool) },
	}
	for _, kind := range []models.PayeeKind{models.PayeeInstructor, models.PayeeAffiliate} {
		repo, err := commissions.NewRepository(pool, kind)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		svc.earnings[kind] = commissions.NewEngine(kind, repo, logger)
	}
	return svc, pool.Close, nil
}
