package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// flushDelay coalesces bursts of request/resolve activity into a single
// write.
const flushDelay = 100 * time.Millisecond

// persister owns queue.json's on-disk lifecycle: a debounced async flush
// plus a synchronous load/writeNow pair. Writes are atomic (temp file then
// rename) so a reader never observes a half-written file.
type persister struct {
	path     string
	snapshot func() []PermissionRequest

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func newPersister(path string, snapshot func() []PermissionRequest) *persister {
	return &persister{path: path, snapshot: snapshot}
}

// scheduleFlush arms the debounce timer unless a flush is already pending;
// the timer is not re-armed. Multiple calls within flushDelay collapse into
// one write.
func (p *persister) scheduleFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return
	}
	p.pending = true
	p.timer = time.AfterFunc(flushDelay, func() {
		p.mu.Lock()
		p.pending = false
		p.mu.Unlock()
		if err := p.writeNow(p.snapshot()); err != nil {
			log.Warn().Err(err).Str("path", p.path).Msg("queue persistence flush failed")
		}
	})
}

// writeNow serializes records to p.path via a temp-file-then-rename swap.
func (p *persister) writeNow(records []PermissionRequest) error {
	if records == nil {
		records = []PermissionRequest{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, p.path)
}

// load reads p.path, returning an empty slice if the file does not exist.
func (p *persister) load() ([]PermissionRequest, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []PermissionRequest
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("queue.json malformed, starting empty")
		return nil, nil
	}
	return records, nil
}
