package models

import (
	"log"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Invoice{}, &Contract{}, &Discrepancy{},
		&WorkflowRule{}, &AuditLogEntry{},
		&PipelineMessageRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
