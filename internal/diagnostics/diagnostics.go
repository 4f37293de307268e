// Package diagnostics keeps malformed scan responses for later inspection.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sink persists a named diagnostic artifact and reports where it went.
type Sink interface {
	Write(ctx context.Context, name string, body []byte) (string, error)
}

// ArtifactName builds a name from the worker identifier, the current time and
// a random suffix, so repeated calls never collide. An empty worker yields
// bad_json-<unix>-<id>.txt.
func ArtifactName(worker string, now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if worker == "" {
		return fmt.Sprintf("bad_json-%d-%s.txt", now.Unix(), id)
	}
	return fmt.Sprintf("bad_json-%s-%d-%s.txt", worker, now.Unix(), id)
}

// BadJSON renders the artifact body for a response that failed to decode.
func BadJSON(payload string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("---WFP Begin---\n")
	buf.WriteString(payload)
	buf.WriteString("\n---WFP End---\n---Bad JSON Begin---\n")
	buf.Write(body)
	buf.WriteString("---Bad JSON End---\n")
	return buf.Bytes()
}

// FileSink writes artifacts into a local directory.
type FileSink struct {
	Dir string
}

// Write creates the artifact file, refusing to overwrite an existing one.
func (s FileSink) Write(_ context.Context, name string, body []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create diagnostic file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write diagnostic file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close diagnostic file: %w", err)
	}
	return path, nil
}

// Multi fans an artifact out to several sinks. The first successful
// location is returned; an error is returned only when every sink fails.
type Multi []Sink

func (m Multi) Write(ctx context.Context, name string, body []byte) (string, error) {
	var (
		location string
		firstErr error
	)
	for _, sink := range m {
		loc, err := sink.Write(ctx, name, body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if location == "" {
			location = loc
		}
	}
	if location == "" && firstErr != nil {
		return "", firstErr
	}
	return location, nil
}
