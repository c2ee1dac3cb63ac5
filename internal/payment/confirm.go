package payment

import (
	"context"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

// WaitForConfirmation 轮询交易状态直到确认、失败或超时。
func WaitForConfirmation(ctx context.Context, gw Gateway, txHash string, interval, timeout time.Duration) (model.TxStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := gw.Confirm(ctx, txHash)
		if err != nil {
			return "", err
		}
		if status != model.TxPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return model.TxPending, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时")
			}
			return model.TxPending, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待交易确认被取消")
		case <-ticker.C:
		}
	}
}
