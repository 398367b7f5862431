package interceptor

import (
	"context"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// TxLogger records writes applied while ownership is moving
type TxLogger interface {
	IsEnabled() bool
	Log(rec model.WriteRecord)
}

// TxLoggingInterceptor feeds applied writes to the transaction logger
type TxLoggingInterceptor struct {
	txLogger TxLogger
	logger   *zap.Logger
}

// NewTxLoggingInterceptor creates a logging stage
func NewTxLoggingInterceptor(txLogger TxLogger, logger *zap.Logger) *TxLoggingInterceptor {
	return &TxLoggingInterceptor{txLogger: txLogger, logger: logger}
}

// Intercept logs write commands that took effect
func (i *TxLoggingInterceptor) Intercept(ctx context.Context, ictx *model.InvocationContext, cmd model.Command, next Handler) (*Result, error) {
	result, err := next.Handle(ctx, ictx, cmd)
	if err != nil || !cmd.IsWrite() || !result.Applied {
		return result, err
	}
	if ictx.HasFlag(model.FlagSkipTxLog) || !i.txLogger.IsEnabled() {
		return result, nil
	}

	rec, err := model.NewWriteRecord(cmd)
	if err != nil {
		i.logger.Warn("Write not logged", zap.String("command", string(cmd.Type())), zap.Error(err))
		return result, nil
	}
	i.txLogger.Log(rec)
	return result, nil
}
