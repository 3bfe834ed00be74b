// Package sink delivers a cycle's side outputs: raw snapshots to a blob store
// and incident lifecycle events to a publisher. Both are best effort; callers
// log failures and carry on.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// DefaultContentType is recorded on archived snapshots.
const DefaultContentType = "text/html; charset=utf-8"

// ArchiverConfig controls snapshot naming.
type ArchiverConfig struct {
	Prefix      string
	ContentType string
}

// Snapshot describes one Archive call.
type Snapshot struct {
	Digest  string
	Path    string
	URI     string
	Skipped bool
}

// Archiver stores raw feed bodies under
// <prefix>/<yyyy>/<mm>/<dd>/<sha256>.html and skips a body whose digest
// matches the previous one.
type Archiver struct {
	store  incident.BlobStore
	hasher incident.Hasher
	cfg    ArchiverConfig
	clock  clockwork.Clock
	logger *zap.Logger

	mu         sync.Mutex
	lastDigest string
}

// NewArchiver wires an Archiver. A nil clock uses the real clock.
func NewArchiver(store incident.BlobStore, hasher incident.Hasher, cfg ArchiverConfig, clock clockwork.Clock, logger *zap.Logger) *Archiver {
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, hasher: hasher, cfg: cfg, clock: clock, logger: logger}
}

// Archive stores body unless it is identical to the last archived body.
func (a *Archiver) Archive(ctx context.Context, body []byte) (Snapshot, error) {
	digest, err := a.hasher.Hash(body)
	if err != nil {
		metrics.ObserveSnapshotArchived("error")
		return Snapshot{}, fmt.Errorf("hash body: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if digest == a.lastDigest {
		metrics.ObserveSnapshotArchived("unchanged")
		return Snapshot{Digest: digest, Skipped: true}, nil
	}

	objectPath := a.objectPath(digest)
	uri, err := a.store.PutObject(ctx, objectPath, a.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveSnapshotArchived("error")
		return Snapshot{Digest: digest, Path: objectPath}, fmt.Errorf("put object: %w", err)
	}
	a.lastDigest = digest
	metrics.ObserveSnapshotArchived("stored")
	a.logger.Debug("snapshot archived", zap.String("uri", uri), zap.String("digest", digest))
	return Snapshot{Digest: digest, Path: objectPath, URI: uri}, nil
}

func (a *Archiver) objectPath(digest string) string {
	day := a.clock.Now().UTC().Format("2006/01/02")
	return path.Join(a.cfg.Prefix, day, digest+".html")
}
