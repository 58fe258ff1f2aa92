// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLog appends one JSON object per line to a trail file. Every
// training run writes a header record first so a reader can attribute
// subsequent lines to a run.
//
// Thread Safety: safe for concurrent use; writes are serialized.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// auditEntry is the envelope for one JSONL line.
type auditEntry struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// OpenAuditLog opens or creates the trail at path, appending to any
// existing content. A nil *AuditLog is returned for an empty path and
// is safe to use; its methods become no-ops.
func OpenAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f}, nil
}

// Append writes one record. Write failures are returned to the caller;
// the trail is part of the run's durable output, so a failed write
// aborts the run rather than silently losing history.
func (a *AuditLog) Append(runID, kind string, payload any) error {
	if a == nil {
		return nil
	}
	entry := auditEntry{
		Type:      kind,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the trail.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}
