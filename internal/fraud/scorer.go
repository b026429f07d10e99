// Package fraud scores payment attempts from behavioral signals before any
// money moves. Scoring only reads history; it never writes.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
)

// Rule names reported in Result.Rules.
const (
	RuleVelocity            = "velocity"
	RuleLargeAmount         = "large_amount"
	RuleSharedIP            = "shared_ip"
	RuleRapidSuccession     = "rapid_succession"
	RuleSuspiciousUserAgent = "suspicious_user_agent"
)

const (
	weightVelocity     = 30
	weightLargeAmount  = 20
	weightSharedIP     = 40
	weightRapid        = 15
	weightUserAgent    = 10
	velocityWindow     = time.Hour
	velocityMax        = 5
	sharedIPWindow     = time.Hour
	sharedIPPayers     = 3
	rapidWindow        = 60 * time.Second
	minUserAgentLength = 20
)

// Level buckets a score.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// LevelFor maps a score to its level.
func LevelFor(score int) Level {
	switch {
	case score >= models.FlagThreshold:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	}
	return LevelLow
}

// History reads the payment history the rules depend on.
type History interface {
	// CountByPayerSince counts payments created by the payer at or after since.
	CountByPayerSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error)
	// CountOtherPayersByIPSince counts distinct payers other than payerID that used ip since.
	CountOtherPayersByIPSince(ctx context.Context, ip string, payerID uuid.UUID, since time.Time) (int, error)
	// LastCompletedAt returns when the payer's most recent completed payment finished, or nil.
	LastCompletedAt(ctx context.Context, payerID uuid.UUID) (*time.Time, error)
}

// Attempt is the input to Score.
type Attempt struct {
	PayerID   uuid.UUID
	Amount    decimal.Decimal
	Method    models.PaymentMethod
	ClientIP  string
	UserAgent string
}

// Result is a bounded risk assessment.
type Result struct {
	Score int      `json:"score"`
	Level Level    `json:"level"`
	Rules []string `json:"rules"`
}

// Triggered reports whether the named rule fired.
func (r Result) Triggered(rule string) bool {
	for _, n := range r.Rules {
		if n == rule {
			return true
		}
	}
	return false
}

// Scorer evaluates the rule set against an attempt.
type Scorer struct {
	history     History
	largeAmount decimal.Decimal
	logger      *zap.Logger
	now         func() time.Time
}

// NewScorer creates a scorer. largeAmount is the threshold above which the
// large_amount rule fires.
func NewScorer(history History, largeAmount decimal.Decimal, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{history: history, largeAmount: largeAmount, logger: logger, now: time.Now}
}

// Score computes the attempt's risk. The attempt being scored counts toward
// the velocity and shared-IP rules.
func (s *Scorer) Score(ctx context.Context, a Attempt) (Result, error) {
	now := s.now()
	res := Result{Rules: []string{}}
	add := func(rule string, weight int) {
		res.Score += weight
		res.Rules = append(res.Rules, rule)
	}

	recent, err := s.history.CountByPayerSince(ctx, a.PayerID, now.Add(-velocityWindow))
	if err != nil {
		return Result{}, fmt.Errorf("velocity lookup: %w", err)
	}
	if recent+1 > velocityMax {
		add(RuleVelocity, weightVelocity)
	}

	if s.largeAmount.IsPositive() && a.Amount.GreaterThan(s.largeAmount) {
		add(RuleLargeAmount, weightLargeAmount)
	}

	if a.ClientIP != "" {
		others, err := s.history.CountOtherPayersByIPSince(ctx, a.ClientIP, a.PayerID, now.Add(-sharedIPWindow))
		if err != nil {
			return Result{}, fmt.Errorf("shared ip lookup: %w", err)
		}
		if others+1 >= sharedIPPayers {
			add(RuleSharedIP, weightSharedIP)
		}
	}

	last, err := s.history.LastCompletedAt(ctx, a.PayerID)
	if err != nil {
		return Result{}, fmt.Errorf("last completed lookup: %w", err)
	}
	if last != nil && now.Sub(*last) < rapidWindow {
		add(RuleRapidSuccession, weightRapid)
	}

	if len(a.UserAgent) < minUserAgentLength {
		add(RuleSuspiciousUserAgent, weightUserAgent)
	}

	if res.Score > 100 {
		res.Score = 100
	}
	if res.Score < 0 {
		res.Score = 0
	}
	res.Level = LevelFor(res.Score)
	if res.Level != LevelLow {
		s.logger.Info("elevated payment risk",
			zap.String("payer_id", a.PayerID.String()),
			zap.Int("score", res.Score),
			zap.Strings("rules", res.Rules),
		)
	}
	return res, nil
}
