package service

import (
	"context"
	"errors"
	"time"

	"github.com/roscapool/roscapool-system/internal/gateway"
)

// StartReconciliation запускает фоновую сверку зависших pending-выплат со
// шлюзом. Выплата зависает, если сервис упал между созданием намерения и
// получением результата перевода; благодаря идемпотентному ключу её можно
// безопасно доразрешить по фактическому состоянию шлюза.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcilePendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcilePendingBatch(ctx context.Context) {
	stuckBefore := s.now().Add(-s.ReconcilePendingAfter)

	payouts, err := s.repo.GetPendingPayouts(ctx, stuckBefore, 100)
	if err != nil {
		return
	}

	for _, payout := range payouts {
		key := payoutIdempotencyKey(payout.PoolID, payout.Round)

		transfer, err := s.gateway.GetTransfer(ctx, key)
		if err != nil {
			// Шлюз не знает этот ключ: перевод до него не дошёл,
			// намерение можно безопасно отменить.
			if errors.Is(err, gateway.ErrTransferNotFound) {
				_ = s.repo.ResolvePayout(ctx, payout.PoolID, payout.ID, false, "", s.now())
			}
			continue
		}

		switch transfer.Status {
		case gateway.TransferStatusCompleted:
			_ = s.repo.ResolvePayout(ctx, payout.PoolID, payout.ID, true, transfer.TransferID, s.now())
		case gateway.TransferStatusFailed:
			_ = s.repo.ResolvePayout(ctx, payout.PoolID, payout.ID, false, "", s.now())
		}
	}
}
