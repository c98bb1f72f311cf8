package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"

	"inkwell/internal/config"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

var ErrInvalidReview = errors.New("review status must be reviewed or dismissed")

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Scanner evaluates every user with recent activity and opens flags for
// human review. It only ever writes fraud_flags rows.
type Scanner struct {
	repo    Repository
	cfg     config.Fraud
	signals []Heuristic
	alerts  Alerter
	now     func() time.Time
}

func NewScanner(repo Repository, cfg config.Fraud, alerts Alerter) *Scanner {
	return &Scanner{
		repo:    repo,
		cfg:     cfg,
		signals: DefaultSignals,
		alerts:  alerts,
		now:     time.Now,
	}
}

func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	histories, err := s.repo.LoadHistories(ctx, s.now().Add(-s.cfg.Lookback))
	if err != nil {
		return res, fmt.Errorf("load histories: %w", err)
	}

	users := make([]string, 0, len(histories))
	for u := range histories {
		users = append(users, u)
	}
	sort.Strings(users)

	var opened []Finding
	for _, u := range users {
		res.Users++
		for _, f := range Evaluate(s.cfg, histories[u], s.signals) {
			res.Findings++
			details, err := json.Marshal(f.Details)
			if err != nil {
				return res, fmt.Errorf("encode details: %w", err)
			}
			created, err := s.repo.InsertFlag(ctx, f.UserID, f.FlagType, types.JSONText(details))
			if err != nil {
				return res, fmt.Errorf("insert %s flag for %s: %w", f.FlagType, f.UserID, err)
			}
			if created {
				res.Created++
				opened = append(opened, f)
				metrics.RecordFraudFlag(string(f.FlagType))
			}
		}
	}

	logger.Info("fraud scan finished", "users", res.Users, "findings", res.Findings, "created", res.Created)
	if len(opened) > 0 {
		s.digest(ctx, opened)
	}
	return res, nil
}

func (s *Scanner) digest(ctx context.Context, opened []Finding) {
	if s.alerts == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d new fraud flags need review:\n\n", len(opened))
	for _, f := range opened {
		fmt.Fprintf(&b, "- %s: %s\n", f.UserID, f.FlagType)
	}
	subject := fmt.Sprintf("%d new fraud flags", len(opened))
	if err := s.alerts.Alert(ctx, subject, b.String()); err != nil {
		logger.Error("failed to send fraud digest", "error", err)
	}
}

func (s *Scanner) Review(ctx context.Context, id int64, status FlagStatus, notes, reviewer string) (*Flag, error) {
	if status != StatusReviewed && status != StatusDismissed {
		return nil, ErrInvalidReview
	}
	f, err := s.repo.Review(ctx, id, status, notes, reviewer)
	if err != nil {
		return nil, err
	}
	logger.Info("fraud flag reviewed", "flag_id", id, "status", status, "reviewer", reviewer)
	return f, nil
}

func (s *Scanner) List(ctx context.Context, status FlagStatus, limit, offset int) ([]Flag, error) {
	return s.repo.List(ctx, status, limit, offset)
}
