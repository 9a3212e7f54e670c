// seed-rules installs the default workflow rule set (critical-discrepancy
// review, flagged review, small-amount auto-approval, large-amount manager
// approval). Existing rules with the same name are left untouched unless
// -force is given.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-rules
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
	"gorm.io/gorm"
)

func main() {
	force := flag.Bool("force", false, "overwrite condition/action/priority of existing rules with the same name")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	seeded, skipped := 0, 0
	for _, rule := range workflow.DefaultWorkflowRules() {
		var existing models.WorkflowRule
		err := db.WithContext(ctx).Where("name = ?", rule.Name).First(&existing).Error
		switch {
		case err == nil:
			if !*force {
				skipped++
				continue
			}
			_, uerr := models.UpdateWorkflowRule(ctx, existing.ID, map[string]interface{}{
				"condition": rule.Condition,
				"action":    string(rule.Action),
				"priority":  rule.Priority,
				"is_active": true,
			})
			if uerr != nil {
				fmt.Fprintf(os.Stderr, "failed to update rule %q: %v\n", rule.Name, uerr)
				os.Exit(1)
			}
			seeded++
		case err == gorm.ErrRecordNotFound:
			toCreate := rule
			toCreate.ID = 0
			if cerr := models.CreateWorkflowRule(ctx, &toCreate); cerr != nil {
				fmt.Fprintf(os.Stderr, "failed to create rule %q: %v\n", rule.Name, cerr)
				os.Exit(1)
			}
			seeded++
		default:
			fmt.Fprintf(os.Stderr, "failed to lookup rule %q: %v\n", rule.Name, err)
			os.Exit(1)
		}
	}

	fmt.Printf("seed-rules done: %d written, %d skipped (already present)\n", seeded, skipped)
}
