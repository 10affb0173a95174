package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeNone  StorageType = ""
	StorageTypeLocal StorageType = "local"
	StorageTypeGCS   StorageType = "gcs"
)

const transcriptContentType = "application/json"

// Uploader is the object store the archive writes to.
type Uploader interface {
	Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error)
}

// TranscriptDocument is the archived record of one call
type TranscriptDocument struct {
	CallID       string                       `json:"call_id"`
	CallSID      string                       `json:"call_sid,omitempty"`
	TenantID     string                       `json:"tenant_id"`
	Provider     string                       `json:"provider"`
	StartedAt    time.Time                    `json:"started_at"`
	EndedAt      time.Time                    `json:"ended_at"`
	HangupReason string                       `json:"hangup_reason"`
	Messages     []config.ConversationMessage `json:"messages"`
}

// TranscriptArchive stores call transcripts as JSON objects at
// transcripts/<tenant>/<call>.json
type TranscriptArchive struct {
	storageType StorageType
	uploader    Uploader
	localDir    string
}

// NewTranscriptArchive builds an archive for storageType. location is the
// local directory for StorageTypeLocal; GCS uses uploader.
func NewTranscriptArchive(storageType StorageType, location string, uploader Uploader) (*TranscriptArchive, error) {
	a := &TranscriptArchive{storageType: storageType}
	switch storageType {
	case StorageTypeNone:
		logger.Base().Info("Transcript archive disabled")
	case StorageTypeGCS:
		if uploader == nil {
			return nil, fmt.Errorf("gcs transcript archive requires an uploader")
		}
		a.uploader = uploader
	case StorageTypeLocal:
		if location == "" {
			return nil, fmt.Errorf("local transcript archive requires a directory")
		}
		if err := os.MkdirAll(location, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create transcript directory: %w", err)
		}
		a.localDir = location
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
	return a, nil
}

// Enabled reports whether Save stores anything.
func (a *TranscriptArchive) Enabled() bool {
	return a != nil && a.storageType != StorageTypeNone
}

// ObjectPath is where the transcript of callID is stored.
func ObjectPath(tenantID, callID string) string {
	if tenantID == "" {
		tenantID = "unknown"
	}
	return fmt.Sprintf("transcripts/%s/%s.json", tenantID, callID)
}

// Save writes doc and returns its location. Empty transcripts are skipped.
func (a *TranscriptArchive) Save(ctx context.Context, doc TranscriptDocument) (string, error) {
	if !a.Enabled() || len(doc.Messages) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}
	objectPath := ObjectPath(doc.TenantID, doc.CallID)

	var location string
	switch a.storageType {
	case StorageTypeGCS:
		location, err = a.uploader.Upload(ctx, objectPath, transcriptContentType, bytes.NewReader(data))
	case StorageTypeLocal:
		location = filepath.Join(a.localDir, filepath.FromSlash(objectPath))
		if err = os.MkdirAll(filepath.Dir(location), 0o755); err == nil {
			err = os.WriteFile(location, data, 0o644)
		}
	}
	if err != nil {
		return "", fmt.Errorf("store transcript for call %s: %w", doc.CallID, err)
	}

	logger.Base().Info("Transcript archived",
		zap.String("call_id", doc.CallID),
		zap.String("storage_type", string(a.storageType)),
		zap.String("location", location),
		zap.Int("messages", len(doc.Messages)))
	return location, nil
}
