package services

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/repos"
)

var (
	providerIDsOnce     sync.Once
	providerIDsSnapshot []string
)

// ProviderIDs returns the distinct provider ids present in the jobs
// table. The list is computed once per process; a query failure is
// logged and pins the snapshot to an empty list.
func ProviderIDs(ctx context.Context, db *gorm.DB, jobs repos.JobRepo, log *logger.Logger) []string {
	providerIDsOnce.Do(func() {
		ids, err := jobs.DistinctProviderIDs(ctx, db)
		if err != nil {
			log.Error("failed to load provider ids", "error", err)
			providerIDsSnapshot = []string{}
			return
		}
		providerIDsSnapshot = ids
	})
	return providerIDsSnapshot
}
