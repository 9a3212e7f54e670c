package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type submitInvoiceRequest struct {
	// InvoiceId is optional; resubmitting an existing id creates a new
	// version and supersedes the prior ones.
	InvoiceId   string `json:"invoice_id" binding:"omitempty,uuid4"`
	DocumentRef string `json:"document_ref" binding:"required"`
}

// submitInvoiceHandler accepts a submission, writes the Received invoice and
// its outbox row in one transaction, and returns 202. Publishing to Pub/Sub
// happens after commit via the outbox dispatcher.
func submitInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitInvoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		invoiceId := req.InvoiceId
		if invoiceId == "" {
			invoiceId = uuid.NewString()
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		var created models.Invoice
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Lock existing versions so concurrent resubmissions of the
			// same id serialize here.
			var latest models.Invoice
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("invoice_id = ?", invoiceId).
				Order("version DESC").
				First(&latest).Error
			version := 1
			switch {
			case err == nil:
				if !latest.Status.IsTerminal() && !latest.Superseded {
					return workflow.ErrPipelineRunning
				}
				version = latest.Version + 1
				if err := tx.Model(&models.Invoice{}).
					Where("invoice_id = ?", invoiceId).
					Update("superseded", true).Error; err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				// first submission for this id
			default:
				return err
			}

			created = models.Invoice{
				InvoiceId:      invoiceId,
				Version:        version,
				Status:         models.InvoiceStatusReceived,
				RawDocumentRef: req.DocumentRef,
			}
			if err := models.CreateInvoice(tx, &created); err != nil {
				return err
			}
			_, err = models.EnqueueSubmission(ctx, tx, invoiceId, req.DocumentRef)
			return err
		})
		if err != nil {
			if errors.Is(err, workflow.ErrPipelineRunning) {
				c.JSON(http.StatusConflict, gin.H{
					"error":      "invoice is already being processed; supersede it first or wait for a terminal status",
					"invoice_id": invoiceId,
				})
				return
			}
			config.LogError(config.GetLogger(), "invoiceApi.go", "submitInvoiceHandler", "Accepting submission", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept submission"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"invoice_id": created.InvoiceId,
			"version":    created.Version,
			"status":     created.Status,
		})
	}
}

func invoiceStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoice, err := models.GetInvoiceByInvoiceId(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"invoice_id":   invoice.InvoiceId,
			"version":      invoice.Version,
			"status":       invoice.Status,
			"needs_review": invoice.NeedsReview,
			"superseded":   invoice.Superseded,
			"updated_at":   invoice.UpdatedAt,
		})
	}
}

func invoiceDiscrepanciesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		discrepancies, err := models.GetDiscrepancies(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"discrepancies": discrepancies})
	}
}

func invoiceAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := models.GetAuditTrail(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(entries) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no audit trail for invoice"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"audit": entries})
	}
}

type decisionRequest struct {
	Action models.InvoiceStatus `json:"action" binding:"required,oneof=Approved Rejected"`
	Actor  string               `json:"actor" binding:"required"`
	Note   string               `json:"note"`
}

// invoiceDecisionHandler records a human approval or rejection. The same
// transition path as the pipeline is used, so the edge is validated against
// the committed status and the audit entry is written atomically.
func invoiceDecisionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req decisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		invoice, err := models.GetInvoiceByInvoiceId(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := "manual decision"
		if req.Note != "" {
			detail = req.Note
		}
		err = models.NewPipelineStore().Transition(ctx, invoice, models.TransitionInput{
			To:     req.Action,
			Actor:  req.Actor,
			Detail: detail,
		})
		if err != nil {
			if errors.Is(err, models.ErrIllegalTransition) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"invoice_id": invoice.InvoiceId,
			"status":     invoice.Status,
		})
	}
}

// supersedeInvoiceHandler flags every version of an invoice as superseded.
// A running pipeline observes the flag at its next stage boundary and
// transitions to Error.
func supersedeInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := models.GetInvoiceByInvoiceId(ctx, c.Param("id")); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := models.MarkInvoiceSuperseded(ctx, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listWorkflowRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := models.GetWorkflowRules(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rules": rules})
	}
}

type createWorkflowRuleRequest struct {
	Name      string               `json:"name" binding:"required"`
	Condition string               `json:"condition" binding:"required"`
	Action    models.InvoiceStatus `json:"action" binding:"required,oneof=PendingReview PendingApproval Approved Rejected"`
	Priority  int                  `json:"priority"`
	IsActive  *bool                `json:"is_active"`
}

func createWorkflowRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWorkflowRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// Reject conditions the engine cannot parse; a stored unparseable
		// condition would silently never match.
		if _, err := workflow.EvaluateCondition(req.Condition, workflow.RuleContext{Status: models.InvoiceStatusValidated}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid condition: " + err.Error()})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}
		rule := models.WorkflowRule{
			Name:      req.Name,
			Condition: req.Condition,
			Action:    req.Action,
			Priority:  req.Priority,
			IsActive:  isActive,
		}
		if err := models.CreateWorkflowRule(c.Request.Context(), &rule); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rule)
	}
}

type updateWorkflowRuleRequest struct {
	Name      *string               `json:"name"`
	Condition *string               `json:"condition"`
	Action    *models.InvoiceStatus `json:"action"`
	Priority  *int                  `json:"priority"`
	IsActive  *bool                 `json:"is_active"`
}

func updateWorkflowRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}
		var req updateWorkflowRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		updates := map[string]interface{}{}
		if req.Name != nil {
			updates["name"] = *req.Name
		}
		if req.Condition != nil {
			if _, cerr := workflow.EvaluateCondition(*req.Condition, workflow.RuleContext{Status: models.InvoiceStatusValidated}); cerr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid condition: " + cerr.Error()})
				return
			}
			updates["condition"] = *req.Condition
		}
		if req.Action != nil {
			updates["action"] = string(*req.Action)
		}
		if req.Priority != nil {
			updates["priority"] = *req.Priority
		}
		if req.IsActive != nil {
			updates["is_active"] = *req.IsActive
		}
		if len(updates) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no updates provided"})
			return
		}

		rule, err := models.UpdateWorkflowRule(c.Request.Context(), uint(id), updates)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rule)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id" binding:"required"`
}

// outboxReplayHandler resets a DEAD or FAILED outbox record so the dispatcher
// picks it up again immediately. Ops tooling for poison-message recovery.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := time.Now().UTC()
		db := config.GetDB()
		res := db.WithContext(c.Request.Context()).
			Model(&models.PipelineMessageRecord{}).
			Where("id = ? AND publish_status IN ?", req.RecordId,
				[]string{models.OutboxPublishStatusFailed, models.OutboxPublishStatusDead}).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			})
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no replayable record with that id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"record_id": req.RecordId, "publish_status": models.OutboxPublishStatusFailed})
	}
}
