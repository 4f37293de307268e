// Package wfp handles winnowing fingerprint (WFP) text: counting the files a
// block describes and cutting a WFP stream into post-sized payloads.
package wfp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// FileMarker starts the fingerprint block of every file in a WFP.
const FileMarker = "file="

const (
	// DefaultMaxPostBytes is the payload size limit used when none is configured.
	DefaultMaxPostBytes = 64 * 1024
	// SkipSnippetsMaxPostBytes applies when snippet fingerprints are not generated.
	SkipSnippetsMaxPostBytes = 8 * 1024
)

// Payload is one batch of fingerprinted files sent in a single request.
type Payload struct {
	Text  string
	Files int
}

// Size returns the payload size in bytes.
func (p Payload) Size() int {
	return len(p.Text)
}

// NewPayload wraps WFP text, deriving the file count from its markers.
func NewPayload(text string) Payload {
	return Payload{Text: text, Files: CountFiles(text)}
}

// CountFiles returns the number of file markers in the given WFP text.
func CountFiles(text string) int {
	if text == "" {
		return 0
	}
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, FileMarker) {
			count++
		}
	}
	return count
}

// MaxPostBytes converts a KiB setting into a byte limit.
func MaxPostBytes(postSizeKiB int, skipSnippets bool) int {
	if skipSnippets {
		return SkipSnippetsMaxPostBytes
	}
	if postSizeKiB <= 0 {
		return DefaultMaxPostBytes
	}
	return postSizeKiB * 1024
}

// Split reads WFP text from r and calls emit with payloads no larger than
// maxBytes. Files are never split across payloads, so a single file larger
// than the limit is emitted on its own. It returns the total file count.
func Split(r io.Reader, maxBytes int, emit func(Payload) error) (int, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPostBytes
	}

	var (
		batch      strings.Builder
		batchFiles int
		block      strings.Builder
		blockFiles int
		total      int
	)

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		p := Payload{Text: batch.String(), Files: batchFiles}
		batch.Reset()
		batchFiles = 0
		return emit(p)
	}

	addBlock := func() error {
		if block.Len() == 0 {
			return nil
		}
		if batch.Len() > 0 && batch.Len()+block.Len() >= maxBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		batch.WriteString(block.String())
		batchFiles += blockFiles
		block.Reset()
		blockFiles = 0
		if batch.Len() >= maxBytes {
			return flush()
		}
		return nil
	}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if strings.HasPrefix(line, FileMarker) {
				if addErr := addBlock(); addErr != nil {
					return total, addErr
				}
				blockFiles = 1
				total++
			}
			block.WriteString(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}

	if err := addBlock(); err != nil {
		return total, err
	}
	return total, flush()
}
