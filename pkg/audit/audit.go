// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps an append-only, hash-chained record of guard decisions,
// dispatch outcomes and confirmations. Every entry stores the hash of the
// previous one, so editing or removing a past entry breaks the chain and is
// reported by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event types written by Kyrax components.
const (
	EventGuardDecision         = "guard.decision"
	EventDispatchResult        = "dispatch.result"
	EventChainStep             = "chain.step"
	EventConfirmationHeld      = "confirmation.held"
	EventConfirmationResolved  = "confirmation.resolved"
	EventConfirmationDiscarded = "confirmation.discarded"
)

// Entry is one sealed audit record.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	EventType string          `json:"event_type"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Filter limits List results. Zero values match everything.
type Filter struct {
	EventType string
	RunID     string
	AfterSeq  int64
	Limit     int
}

func (f Filter) match(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	return e.Seq > f.AfterSeq
}

// Log is an append-only audit log.
type Log interface {
	Append(ctx context.Context, eventType, runID string, payload any) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Verify(ctx context.Context) (int, error)
}

// ChainError reports the first entry whose hash does not match.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

type sealed struct {
	Seq       int64           `json:"seq"`
	Timestamp int64           `json:"ts"`
	EventType string          `json:"event_type"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
}

// ComputeHash returns the hex SHA-256 of prevHash followed by the canonical
// encoding of e. Timestamps are sealed at millisecond precision.
func ComputeHash(prevHash string, e Entry) (string, error) {
	body, err := json.Marshal(sealed{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UnixMilli(),
		EventType: e.EventType,
		RunID:     e.RunID,
		Payload:   e.Payload,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(prevHash))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// seal builds the entry following prev.
func seal(prevSeq int64, prevHash string, now time.Time, eventType, runID string, payload any) (Entry, error) {
	if eventType == "" {
		return Entry{}, fmt.Errorf("audit event type is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Seq:       prevSeq + 1,
		Timestamp: time.UnixMilli(now.UnixMilli()).UTC(),
		EventType: eventType,
		RunID:     runID,
		Payload:   raw,
		PrevHash:  prevHash,
	}
	e.Hash, err = ComputeHash(prevHash, e)
	return e, err
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return compact(raw)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	return data, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	return json.Marshal(v)
}

// VerifyEntries checks that entries form an unbroken chain starting at seq 1.
func VerifyEntries(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", i+1)}
		}
		if e.PrevHash != prev {
			return &ChainError{Seq: e.Seq, Reason: "prev_hash mismatch"}
		}
		want, err := ComputeHash(prev, e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return &ChainError{Seq: e.Seq, Reason: "hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}

// MemoryLog keeps the chain in memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, eventType, runID string, payload any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prevSeq int64
	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevSeq, prevHash = l.entries[n-1].Seq, l.entries[n-1].Hash
	}
	e, err := seal(prevSeq, prevHash, l.now(), eventType, runID, payload)
	if err != nil {
		return Entry{}, err
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// List implements Log.
func (l *MemoryLog) List(_ context.Context, filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) (int, error) {
	l.mu.Lock()
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()
	return len(entries), VerifyEntries(entries)
}
