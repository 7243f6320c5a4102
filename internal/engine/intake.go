package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/signalcore/internal/store"
)

// IngestRequest is a raw signal handed over by a collector.
type IngestRequest struct {
	Source      string            `json:"source"`
	RawContent  string            `json:"raw_content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CollectedAt time.Time         `json:"collected_at,omitempty"` // zero means now
}

// IngestResult identifies the stored signal. Duplicate is set when an existing
// live signal with the same fingerprint was returned instead of a new one.
type IngestResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// Fingerprint hashes source, content and the values of the stable metadata
// keys. Keys are sorted so map order never changes the result.
func Fingerprint(source, content string, metadata map[string]string, stableKeys []string) string {
	keys := make([]string, 0, len(stableKeys))
	for _, k := range stableKeys {
		if _, ok := metadata[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(content))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k + "=" + metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest validates and persists a raw signal, returning the id of an existing
// live duplicate when one was ingested within the dedup window.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ctx, span := e.startSpan(ctx, "engine.Ingest", "")
	res, err := e.ingest(ctx, req)
	endSpan(span, err)
	return res, err
}

func (e *Engine) ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	log := e.logger("intake")

	if strings.TrimSpace(req.RawContent) == "" {
		return IngestResult{}, invalidf("raw_content", "must not be empty")
	}
	source, ok := e.sources[strings.ToLower(strings.TrimSpace(req.Source))]
	if !ok {
		return IngestResult{}, invalidf("source", "unknown source %q", req.Source)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return IngestResult{}, fmt.Errorf("ingest rate limit: %w", err)
		}
	}

	fp := Fingerprint(source, req.RawContent, req.Metadata, e.cfg.Pipeline.StableMetadataKeys)
	now := e.now()

	// Check-and-insert is atomic per fingerprint.
	unlock := e.fingerprints.Lock(fp)
	existing, err := e.DB.FindLiveByFingerprint(ctx, fp, now.Add(-e.cfg.Pipeline.DedupWindow).UnixMilli())
	if err != nil {
		unlock()
		return IngestResult{}, err
	}
	if existing != nil {
		unlock()
		log.Debug("duplicate signal", "id", existing.ID, "source", source)
		return IngestResult{ID: existing.ID, Duplicate: true}, nil
	}

	collected := req.CollectedAt
	if collected.IsZero() {
		collected = now
	}
	sig := &store.Signal{
		ID:          uuid.New().String(),
		Source:      source,
		RawContent:  req.RawContent,
		Metadata:    req.Metadata,
		Fingerprint: fp,
		CollectedAt: collected.UnixMilli(),
		IngestedAt:  now.UnixMilli(),
	}
	err = e.DB.InsertSignal(ctx, sig)
	unlock()
	if err != nil {
		return IngestResult{}, err
	}
	log.Info("signal ingested", "id", sig.ID, "source", source)

	if err := e.enqueue(ctx, stageScore, sig.ID); err != nil {
		// Persisted as New; the recovery sweep picks it up on next start.
		log.Warn("enqueue for scoring", "id", sig.ID, "err", err)
	}
	return IngestResult{ID: sig.ID}, nil
}
