package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"gorm.io/gorm"
)

const workflowRulesCacheKey = "WorkflowRuleList"

// WorkflowRule maps a condition to a target status. Lower priority evaluates
// first; evaluation is first-match-wins. The rule engine appends a mandatory
// fallback if the stored set lacks one, so evaluation is always total.
type WorkflowRule struct {
	ID        uint          `gorm:"primary_key" json:"id"`
	Name      string        `gorm:"size:255;not null" json:"name"`
	Condition string        `gorm:"size:500;not null" json:"condition"`
	Action    InvoiceStatus `gorm:"size:30;not null" json:"action"`
	Priority  int           `gorm:"not null;default:0;index" json:"priority"`
	IsActive  bool          `gorm:"not null;default:1" json:"is_active"`
	CreatedAt time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateWorkflowRule(ctx context.Context, rule *WorkflowRule) error {
	if !DecisionTargets[rule.Action] {
		return fmt.Errorf("workflow rule action %q is not a decision target", rule.Action)
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(rule).Error; err != nil {
		return err
	}
	return config.RemoveRedisKey(workflowRulesCacheKey)
}

func UpdateWorkflowRule(ctx context.Context, id uint, updates map[string]interface{}) (*WorkflowRule, error) {
	if action, ok := updates["action"]; ok {
		if !DecisionTargets[InvoiceStatus(fmt.Sprint(action))] {
			return nil, fmt.Errorf("workflow rule action %q is not a decision target", action)
		}
	}
	db := config.GetDB()
	var rule WorkflowRule
	if err := db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&rule).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey(workflowRulesCacheKey); err != nil {
		return nil, err
	}
	return &rule, nil
}

func GetWorkflowRules(ctx context.Context) ([]WorkflowRule, error) {
	db := config.GetDB()
	var results []WorkflowRule
	err := db.WithContext(ctx).
		Order("priority ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetActiveWorkflowRules returns the active rule set in evaluation order,
// redis-cached. Each pipeline run snapshots the returned slice; updates to
// rules never affect in-flight evaluations.
func GetActiveWorkflowRules(ctx context.Context) ([]WorkflowRule, error) {
	var rules []WorkflowRule
	exists, err := config.GetRedisObject(workflowRulesCacheKey, &rules)
	if err != nil {
		return nil, err
	}
	if exists {
		return rules, nil
	}

	db := config.GetDB()
	err = db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(workflowRulesCacheKey, &rules, 0); err != nil {
		return nil, err
	}
	return rules, nil
}

// RuleSetHash fingerprints an ordered rule set for audit reproducibility.
func RuleSetHash(rules []WorkflowRule) string {
	var b strings.Builder
	for _, r := range rules {
		fmt.Fprintf(&b, "%d|%s|%s|%s|%d\n", r.ID, r.Name, r.Condition, r.Action, r.Priority)
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])[:12]
}
