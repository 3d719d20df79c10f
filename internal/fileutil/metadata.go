// Package fileutil holds file helpers for transcription outputs: atomic
// writes, the per-artifact metadata sidecar and filename sanitizing.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactMetadata is the sidecar written alongside each transcribed
// artifact.
type ArtifactMetadata struct {
	Version       string    `json:"version"`
	RunID         string    `json:"run_id"`
	ArtifactPath  string    `json:"artifact_path"`
	ArtifactHash  string    `json:"artifact_hash,omitempty"`
	Duration      string    `json:"duration"`
	DurationMs    int64     `json:"duration_ms"`
	Language      string    `json:"language,omitempty"`
	Outcome       string    `json:"outcome"` // complete, failed or cancelled
	Error         string    `json:"error,omitempty"`
	TranscribedAt time.Time `json:"transcribed_at"`
	ASR           *ASRMeta  `json:"asr,omitempty"`
}

// ASRMeta captures transcription details for the sidecar.
type ASRMeta struct {
	Backend   string   `json:"backend"`
	Model     string   `json:"model,omitempty"`
	WordCount int      `json:"word_count"`
	Segments  int      `json:"segments"`
	Formats   []string `json:"formats"`
	Outputs   []string `json:"outputs,omitempty"`
	Degraded  []string `json:"degraded,omitempty"`
}

// WriteMetadata writes a <basepath>.meta.json sidecar next to the artifact.
func WriteMetadata(artifactPath string, meta *ArtifactMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := AtomicWrite(MetadataPath(artifactPath), append(data, '\n'), false); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar of an artifact.
func ReadMetadata(artifactPath string) (*ArtifactMetadata, error) {
	data, err := os.ReadFile(MetadataPath(artifactPath))
	if err != nil {
		return nil, err
	}
	var meta ArtifactMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath returns <basepath>.meta.json for an artifact path.
func MetadataPath(artifactPath string) string {
	return BasePath(artifactPath) + ".meta.json"
}

// BasePath strips the extension from path.
func BasePath(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}
