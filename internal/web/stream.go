package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasnoah/perfx/internal/recorder"
)

// handleTraceStream serves a Server-Sent Events stream of trace.jsonl. Every
// complete line becomes one message. With ?run=<id> only that run's events
// are sent, and a "done" event follows once the run has finished.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	runID := r.URL.Query().Get("run")
	path := filepath.Join(s.outputDir, recorder.TraceFile)

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	var offset int64
	for {
		lines, next, err := readTraceFrom(path, offset)
		if err != nil && !os.IsNotExist(err) {
			s.logger.Debug("trace stream read failed", "path", path, "error", err)
		}
		offset = next
		for _, line := range lines {
			if runID != "" && traceRunID(line) != runID {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		flusher.Flush()

		if runID != "" && s.runFinished(runID) {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", runID)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}

// readTraceFrom returns the complete lines after offset and the offset just
// past the last newline. A file shorter than offset was truncated, so it is
// read again from the start.
func readTraceFrom(path string, offset int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, nil
	}
	var lines [][]byte
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, offset + int64(end) + 1, nil
}

func traceRunID(line []byte) string {
	var ev struct {
		RunID string `json:"run_id"`
	}
	if json.Unmarshal(line, &ev) != nil {
		return ""
	}
	return ev.RunID
}

func (s *Server) runFinished(id string) bool {
	if s.db == nil {
		return false
	}
	run, err := s.db.GetRun(id)
	return err == nil && run != nil && run.FinishedAt != ""
}
