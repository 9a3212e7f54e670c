package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	invoiceMutexMap = make(map[string]*sync.Mutex)
	globalMutex     = &sync.Mutex{}
)

// RunPipelineWorker subscribes to pipeline trigger messages and drives the
// orchestrator. Messages for the same invoice are serialized in-process; the
// redis lock inside the orchestrator covers other worker instances.
func RunPipelineWorker(orc *workflow.Orchestrator) error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PipelineMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "PipelineWorker.go", "RunPipelineWorker", "Unmarshaling pubsub message", msg.Data, err)
			// Malformed payloads never become parseable; drop.
			msg.Ack()
			return
		}

		// Get or create the mutex for the current invoice id
		globalMutex.Lock()
		mutex, exists := invoiceMutexMap[m.InvoiceId]
		if !exists {
			mutex = &sync.Mutex{}
			invoiceMutexMap[m.InvoiceId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetInvoiceIdInContext(ctx, m.InvoiceId)
		ctx = utils.SetActorInContext(ctx, models.ActorOrchestrator)
		if m.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		}
		if err := ProcessPipelineMessage(ctx, logger, orc, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "PipelineWorker",
				"invoice_id": m.InvoiceId,
				"record_id":  m.ID,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)
		if err != nil {
			config.LogError(logger, "PipelineWorker.go", "RunPipelineWorker", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessPipelineMessage runs one pipeline trigger exactly once. The
// DB-backed idempotency key absorbs Pub/Sub redelivery; orchestrator
// outcomes recorded as Error status count as processed.
func ProcessPipelineMessage(ctx context.Context, logger *logrus.Logger, orc *workflow.Orchestrator, m config.PipelineMessage) error {
	db := config.GetDB()
	handlerName := "pipeline"
	messageId := strconv.Itoa(m.ID)

	var skip bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var berr error
		skip, berr = workflow.BeginIdempotency(tx.WithContext(ctx), handlerName, messageId)
		return berr
	})
	if err != nil {
		return err
	}
	if skip {
		markPipelineProcessSuccess(ctx, logger, m)
		return nil
	}

	markPipelineProcessing(ctx, m.ID)

	if err := orc.Run(ctx, m.InvoiceId); err != nil {
		if errors.Is(err, workflow.ErrPipelineRunning) {
			// Another worker holds the run; redeliver after its lock clears.
			_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), handlerName, messageId, err)
			return err
		}
		_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), handlerName, messageId, err)
		if dead := markPipelineProcessFailure(ctx, logger, m, err); dead {
			// Poison message: stop redelivery, the record holds the error.
			return nil
		}
		return err
	}

	if err := workflow.MarkIdempotencySucceeded(db.WithContext(ctx), handlerName, messageId); err != nil {
		return err
	}
	markPipelineProcessSuccess(ctx, logger, m)
	return nil
}
