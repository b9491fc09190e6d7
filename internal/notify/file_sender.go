package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSender appends each notification as one JSON line to a file.
// Handy for local runs and for asserting on deliveries end to end.
type FileSender struct {
	filePath string
	mu       sync.Mutex
}

// NewFileSender creates the file's directory if needed.
func NewFileSender(filePath string) (*FileSender, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("notification log file path cannot be empty")
	}
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for notification log '%s': %w", dir, err)
	}
	return &FileSender{filePath: filePath}, nil
}

func (s *FileSender) Send(ctx context.Context, n Notification) error {
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write notification to log file: %w", err)
	}
	log.Printf("FileSender: %s notification for %s logged to %s", n.Event, n.RecipientID, s.filePath)
	return nil
}
