package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/payops/internal/action"
	"github.com/punchamoorthee/payops/internal/config"
	"github.com/punchamoorthee/payops/internal/engine"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/ops"
	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
	"github.com/punchamoorthee/payops/internal/wallet"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Env == "development" {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := pgxpool.New(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	st := store.NewWithPool(dbPool)

	node, err := lnd.NewClient(&lnd.Config{
		Socket:       cfg.LNDSocket,
		TLSCertPath:  cfg.LNDCertPath,
		MacaroonPath: cfg.LNDMacaroonPath,
	}, log)
	if err != nil {
		log.Fatalf("unable to connect to lightning node: %v", err)
	}

	q := queue.New(dbPool, log, cfg.QueuePollInterval)

	eng := engine.New(engine.Deps{
		Store:     st,
		Node:      node,
		Jobs:      q,
		Actions:   action.NewRegistry(st, cfg.RewardsUserID),
		Notifier:  &wallet.LogNotifier{Log: log},
		WalletLog: wallet.NewLogger(st, log),
		Log:       log,
	})
	eng.RegisterJobs(q, cfg.Bolt11Retention)

	go q.Run(ctx)
	go eng.Subscribe(ctx)
	go sweepLoop(ctx, q, log, cfg.SweepInterval)

	srv := &http.Server{
		Addr:    ":" + cfg.OpsPort,
		Handler: ops.NewHandler(st, q).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.OpsPort).Info("worker started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Info("worker stopped")
}

// sweepLoop periodically enqueues the reconciliation sweeps. The jobs go
// through the queue so only one worker in a fleet runs each pass.
func sweepLoop(ctx context.Context, q *queue.Queue, log *logrus.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{"checkPendingDeposits", "checkPendingWithdrawals", "autoDropBolt11s"} {
				if err := q.Send(ctx, name, nil, queue.SendOptions{}); err != nil {
					log.WithError(err).WithField("job", name).Error("failed to enqueue sweep")
				}
			}
		}
	}
}
