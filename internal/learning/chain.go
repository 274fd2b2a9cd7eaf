package learning

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/store"
	"github.com/zeebo/blake3"
)

// Normalize collapses consecutive duplicate tool names and drops empty ones.
func Normalize(sequence []string) []string {
	out := make([]string, 0, len(sequence))
	for _, tool := range sequence {
		if tool == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == tool {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// SequenceKey is the BLAKE3 digest of a normalized sequence.
func SequenceKey(normalized []string) string {
	sum := blake3.Sum256([]byte(strings.Join(normalized, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// ChainStore is the slice of the repository the chain ledger needs.
type ChainStore interface {
	RecordChainSuccess(ctx context.Context, run store.ChainRun) error
	RecordChainFailure(ctx context.Context, run store.ChainRun) error
	ProvenChain(ctx context.Context, firmID, workType string, minConfidence float64) (*domain.ToolChain, error)
}

// ChainLedger records which tool sequences work for a firm's work types.
type ChainLedger struct {
	store ChainStore
	now   func() time.Time
}

// NewChainLedger creates a ledger over the given store.
func NewChainLedger(s ChainStore) *ChainLedger {
	return &ChainLedger{store: s, now: time.Now}
}

// Record credits a successful run. quality is 0-100.
func (l *ChainLedger) Record(ctx context.Context, firmID, workType string, sequence []string, quality, durationSeconds float64) error {
	norm := Normalize(sequence)
	if len(norm) == 0 {
		return nil
	}
	run := store.ChainRun{
		FirmID:          firmID,
		WorkType:        workType,
		Sequence:        norm,
		SequenceKey:     SequenceKey(norm),
		Quality:         quality,
		DurationSeconds: durationSeconds,
		At:              l.now(),
	}
	if err := l.store.RecordChainSuccess(ctx, run); err != nil {
		return fmt.Errorf("record chain success for %s: %w", workType, err)
	}
	return nil
}

// RecordFailure debits a failed or rejected run.
func (l *ChainLedger) RecordFailure(ctx context.Context, firmID, workType string, sequence []string) error {
	norm := Normalize(sequence)
	if len(norm) == 0 {
		return nil
	}
	run := store.ChainRun{
		FirmID:      firmID,
		WorkType:    workType,
		Sequence:    norm,
		SequenceKey: SequenceKey(norm),
		At:          l.now(),
	}
	if err := l.store.RecordChainFailure(ctx, run); err != nil {
		return fmt.Errorf("record chain failure for %s: %w", workType, err)
	}
	return nil
}

// Proven returns the best usable chain for the work type, or nil.
func (l *ChainLedger) Proven(ctx context.Context, firmID, workType string) (*domain.ToolChain, error) {
	chain, err := l.store.ProvenChain(ctx, firmID, workType, domain.ChainUsableConfidence)
	if err != nil {
		return nil, fmt.Errorf("load proven chain for %s: %w", workType, err)
	}
	return chain, nil
}
