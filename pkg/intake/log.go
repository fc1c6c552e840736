package intake

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/auth"
)

const serviceName = "IntakeService"

// logService wraps Service with logging of every call
type logService struct {
	svc    Service
	logger *zap.Logger
}

// NewLog creates a logging decorator for the intake Service. Bank details are never logged
// beyond the last four digits of the account.
func NewLog(svc Service, logger *zap.Logger) Service {
	return &logService{svc: svc, logger: logger}
}

func (ls *logService) finish(method string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("service", serviceName),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	)
	if err != nil {
		ls.logger.Error(method+" failed", append(fields, zap.Error(err))...)
		return
	}
	ls.logger.Info(method+" completed", fields...)
}

func (ls *logService) Create(ctx context.Context, req *CreateRequest) (resp *CreateResponse, err error) {
	start := time.Now()
	defer func() {
		fields := []zap.Field{
			zap.String("user_identifier", req.UserIdentifier),
			zap.String("bank_account", maskAccount(req.BankAccountNumber)),
			zap.String("fiat_amount", req.FiatAmount),
		}
		if resp != nil {
			fields = append(fields,
				zap.String("request_id", resp.RequestID),
				zap.String("deposit_address", resp.DepositAddress),
				zap.Bool("existing", resp.Existing))
		}
		ls.finish("Create", start, err, fields...)
	}()
	return ls.svc.Create(ctx, req)
}

func (ls *logService) Get(ctx context.Context, requestID string) (resp *RequestView, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			ls.finish("Get", start, err, zap.String("request_id", requestID))
		}
	}()
	return ls.svc.Get(ctx, requestID)
}

func (ls *logService) GetByDepositAddress(ctx context.Context, address string) (resp *RequestView, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			ls.finish("GetByDepositAddress", start, err, zap.String("deposit_address", address))
		}
	}()
	return ls.svc.GetByDepositAddress(ctx, address)
}

func (ls *logService) Events(ctx context.Context, requestID string) (resp []EventView, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			ls.finish("Events", start, err, zap.String("request_id", requestID))
		}
	}()
	return ls.svc.Events(ctx, requestID)
}

func (ls *logService) Reset(ctx context.Context, requestID string, req *ResetRequest) (resp *RequestView, err error) {
	start := time.Now()
	actor, _ := auth.ActorFromContext(ctx)
	defer func() {
		ls.finish("Reset", start, err,
			zap.String("request_id", requestID),
			zap.String("actor", actor),
			zap.String("to", req.Status),
			zap.String("reason", req.Reason))
	}()
	return ls.svc.Reset(ctx, requestID, req)
}

func (ls *logService) Delete(ctx context.Context, requestID string, req *DeleteRequest) (err error) {
	start := time.Now()
	actor, _ := auth.ActorFromContext(ctx)
	defer func() {
		ls.finish("Delete", start, err,
			zap.String("request_id", requestID),
			zap.String("actor", actor),
			zap.String("reason", req.Reason))
	}()
	return ls.svc.Delete(ctx, requestID, req)
}
