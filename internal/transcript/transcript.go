// Package transcript renders a ticket channel's message history to a text
// file before the channel is deleted.
package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is one message in a channel history, oldest-first.
type Record struct {
	Timestamp   time.Time
	Author      string
	Content     string
	Attachments []string // attachment URLs
}

// Source supplies a channel's full message history in chronological order.
// Implementations must page through the platform's history API with no
// count limit.
type Source interface {
	Messages(ctx context.Context, channelID string) ([]Record, error)
}

// Writer saves transcripts under a fixed directory. The zero value is not
// usable; use NewWriter.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a Writer that stores transcripts under dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Save writes the transcript for a channel and returns the file path.
// The file is written once and never updated; the close timestamp in the
// name makes paths unique per closure. I/O errors propagate to the caller;
// the transcript is an audit requirement, so the closure flow must see them.
func (w *Writer) Save(channelName string, createdAt time.Time, records []Record) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("transcript: create dir %s: %w", w.dir, err)
	}

	name := fmt.Sprintf("ticket_%s_%s.txt", channelName, w.now().Format("20060102_150405"))
	path := filepath.Join(w.dir, name)

	var b strings.Builder
	b.WriteString("RCFR Ticket Transcript\n")
	fmt.Fprintf(&b, "Channel: %s\n", channelName)
	fmt.Fprintf(&b, "Created: %s\n", createdAt.Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s: %s", rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Author, rec.Content)
		for _, url := range rec.Attachments {
			fmt.Fprintf(&b, "\n    └─ Attachment: %s", url)
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("transcript: write %s: %w", path, err)
	}
	return path, nil
}

// Parse reads a transcript body back into records. Header lines are
// skipped; attachment lines attach to the preceding record. Used by tests
// and tooling to verify round-trip fidelity.
func Parse(data string) []Record {
	var records []Record
	inBody := false
	for _, line := range strings.Split(data, "\n") {
		if !inBody {
			if strings.HasPrefix(line, strings.Repeat("=", 50)) {
				inBody = true
			}
			continue
		}
		if line == "" {
			continue
		}
		if att, ok := strings.CutPrefix(line, "    └─ Attachment: "); ok {
			if len(records) > 0 {
				records[len(records)-1].Attachments = append(records[len(records)-1].Attachments, att)
			}
			continue
		}
		if !strings.HasPrefix(line, "[") {
			continue
		}
		closeIdx := strings.Index(line, "] ")
		if closeIdx < 0 {
			continue
		}
		ts, err := time.Parse("2006-01-02 15:04:05", line[1:closeIdx])
		if err != nil {
			continue
		}
		rest := line[closeIdx+2:]
		author, content, ok := strings.Cut(rest, ": ")
		if !ok {
			author = strings.TrimSuffix(rest, ":")
		}
		records = append(records, Record{Timestamp: ts, Author: author, Content: content})
	}
	return records
}
