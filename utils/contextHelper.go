package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/apflow_backend/appctx"
)

func GetInvoiceIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyInvoiceId)
}

func SetInvoiceIdInContext(ctx context.Context, invoiceId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyInvoiceId, invoiceId)
}

func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyActor)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyActor, actor)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}
