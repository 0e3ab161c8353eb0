package service

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
)

// CallbackArchiver copies raw provider payloads to object storage for
// later inspection. Archival is best effort and never affects job state.
type CallbackArchiver struct {
	storage client.StorageClient
	pool    *BackgroundPool
	clock   clock.PassiveClock
	logger  *zap.Logger
}

func NewCallbackArchiver(storage client.StorageClient, pool *BackgroundPool, clk clock.PassiveClock, logger *zap.Logger) *CallbackArchiver {
	return &CallbackArchiver{
		storage: storage,
		pool:    pool,
		clock:   clk,
		logger:  logger.Named("archive"),
	}
}

// ArchiveKey is the object key for a payload received at the given time.
func ArchiveKey(jobID string, phase model.Phase, unixNano int64) string {
	return fmt.Sprintf("callbacks/%s/%s/%d.json", jobID, phase, unixNano)
}

// Archive uploads raw in the background.
func (a *CallbackArchiver) Archive(jobID string, phase model.Phase, raw []byte) {
	if a == nil || a.storage == nil || len(raw) == 0 {
		return
	}
	key := ArchiveKey(jobID, phase, a.clock.Now().UnixNano())
	body := append([]byte(nil), raw...)
	a.pool.Go("archive", func(ctx context.Context) error {
		url, err := a.storage.Upload(ctx, key, bytes.NewReader(body), "application/json")
		if err != nil {
			return err
		}
		a.logger.Debug("archived payload", zap.String("jobId", jobID), zap.String("url", url))
		return nil
	})
}
