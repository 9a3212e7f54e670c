package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationConfig carries every knob the validation pipeline depends on.
// A pipeline run snapshots one value of this struct at start and uses it for
// all stages, so concurrent config changes never affect in-flight runs. The
// snapshot's Version() is recorded in the decision audit entry.
//
// Env overrides (optional):
// - VALIDATION_ABS_TOLERANCE          (default "0.01")
// - VALIDATION_REL_TOLERANCE          (default "0.05")
// - VALIDATION_FIELD_CONFIDENCE       (default 0.80)
// - VALIDATION_ITEM_SIMILARITY        (default 0.75)
// - PIPELINE_STAGE_MAX_ATTEMPTS       (default 4)
// - PIPELINE_STAGE_BASE_BACKOFF_MS    (default 500)
// - PIPELINE_STAGE_MAX_BACKOFF_MS     (default 30000)
// - PIPELINE_STAGE_TIMEOUT_SECONDS    (default 60)
// - PIPELINE_LOCK_TTL_SECONDS         (default 300)
type ValidationConfig struct {
	AbsoluteTolerance decimal.Decimal
	RelativeTolerance decimal.Decimal

	// RequiredFieldConfidence is the minimum per-field OCR confidence for
	// vendor name, invoice number and total amount. Below it the invoice is
	// marked needs-review instead of hard-failing extraction.
	RequiredFieldConfidence float64

	// ItemSimilarityThreshold is the minimum description similarity ratio
	// for matching invoice line items to contract price items.
	ItemSimilarityThreshold float64

	StageMaxAttempts int
	StageBaseBackoff time.Duration
	StageMaxBackoff  time.Duration
	StageTimeout     time.Duration
	LockTTL          time.Duration
}

func LoadValidationConfig() ValidationConfig {
	cfg := ValidationConfig{
		AbsoluteTolerance:       decimal.RequireFromString("0.01"),
		RelativeTolerance:       decimal.RequireFromString("0.05"),
		RequiredFieldConfidence: 0.80,
		ItemSimilarityThreshold: 0.75,
		StageMaxAttempts:        4,
		StageBaseBackoff:        500 * time.Millisecond,
		StageMaxBackoff:         30 * time.Second,
		StageTimeout:            60 * time.Second,
		LockTTL:                 5 * time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("VALIDATION_ABS_TOLERANCE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			cfg.AbsoluteTolerance = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATION_REL_TOLERANCE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			cfg.RelativeTolerance = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATION_FIELD_CONFIDENCE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.RequiredFieldConfidence = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATION_ITEM_SIMILARITY")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.ItemSimilarityThreshold = f
		}
	}
	cfg.StageMaxAttempts = intFromEnv("PIPELINE_STAGE_MAX_ATTEMPTS", cfg.StageMaxAttempts)
	if n := intFromEnv("PIPELINE_STAGE_BASE_BACKOFF_MS", 0); n > 0 {
		cfg.StageBaseBackoff = time.Duration(n) * time.Millisecond
	}
	if n := intFromEnv("PIPELINE_STAGE_MAX_BACKOFF_MS", 0); n > 0 {
		cfg.StageMaxBackoff = time.Duration(n) * time.Millisecond
	}
	if n := intFromEnv("PIPELINE_STAGE_TIMEOUT_SECONDS", 0); n > 0 {
		cfg.StageTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("PIPELINE_LOCK_TTL_SECONDS", 0); n > 0 {
		cfg.LockTTL = time.Duration(n) * time.Second
	}

	return cfg
}

// Version is a stable fingerprint of the tolerance knobs, recorded in audit
// details so a decision can be reproduced later.
func (c ValidationConfig) Version() string {
	h := sha256.Sum256([]byte(fmt.Sprintf(
		"abs=%s|rel=%s|conf=%.4f|sim=%.4f",
		c.AbsoluteTolerance.String(),
		c.RelativeTolerance.String(),
		c.RequiredFieldConfidence,
		c.ItemSimilarityThreshold,
	)))
	return hex.EncodeToString(h[:])[:12]
}
