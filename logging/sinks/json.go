package sinks

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/manthankhawse/ctf-game-web/logging"
)

// JSONSink appends newline-delimited JSON events to a file.
type JSONSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewJSONSink(cfg logging.JSONConfig) (*JSONSink, error) {
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *JSONSink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.enc.Encode(event)
}

func (s *JSONSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
