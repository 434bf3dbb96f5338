// Package wallet carries the per-wallet activity log and withdrawal
// notifications. Wallet logs are user-facing: they are persisted so a user
// can see why their payouts succeeded or failed, and mirrored to the process
// log for operators.
package wallet

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/payops/internal/domain"
)

// LogStore persists wallet log lines.
type LogStore interface {
	InsertWalletLog(ctx context.Context, walletID int64, level, message string, logCtx map[string]string) error
}

// Logger writes wallet-scoped log lines to the store and the process log.
// A nil wallet degrades to process-log only.
type Logger struct {
	store LogStore
	log   *logrus.Logger
}

func NewLogger(store LogStore, log *logrus.Logger) *Logger {
	return &Logger{store: store, log: log}
}

func (l *Logger) OK(ctx context.Context, w *domain.Wallet, msg string, fields map[string]string) {
	l.write(ctx, w, "SUCCESS", logrus.InfoLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, w *domain.Wallet, msg string, fields map[string]string) {
	l.write(ctx, w, "ERROR", logrus.WarnLevel, msg, fields)
}

func (l *Logger) write(ctx context.Context, w *domain.Wallet, level string, procLevel logrus.Level, msg string, fields map[string]string) {
	entry := l.log.WithField("level", level)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	if w == nil {
		entry.Log(procLevel, msg)
		return
	}
	entry.WithFields(logrus.Fields{"wallet": w.Label, "walletId": w.ID}).Log(procLevel, msg)

	if err := l.store.InsertWalletLog(ctx, w.ID, level, msg, fields); err != nil {
		l.log.WithError(err).WithField("walletId", w.ID).Error("wallet log write failed")
	}
}

// LogNotifier satisfies the engine's notifier by logging confirmations. A
// deployment wanting push delivery swaps this for its own implementation.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n *LogNotifier) WithdrawalConfirmed(ctx context.Context, w *domain.Withdrawal) {
	n.Log.WithFields(logrus.Fields{
		"withdrawalId": w.ID,
		"userId":       w.UserID,
		"msatsPaid":    w.MsatsPaid,
	}).Info("withdrawal confirmed")
}
