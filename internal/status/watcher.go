package status

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// SequenceFile is the host's drop file.
const SequenceFile = "sequence.txt"

// Watcher polls the sequence directory for a dropped sequence file and
// hands its contents to the handler. The handler returns true when the
// sequence was accepted; the file is removed either way so a bad file is
// not re-parsed every poll.
type Watcher struct {
	dir      string
	interval time.Duration
	handler  func(data []byte) bool
}

func NewWatcher(dir string, interval time.Duration, handler func(data []byte) bool) *Watcher {
	return &Watcher{dir: dir, interval: interval, handler: handler}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	path := filepath.Join(w.dir, SequenceFile)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					log.Warn().Err(err).Msg("Failed to read sequence file")
				}
				continue
			}
			log.Info().Str("path", path).Msg("Sequence file received")
			accepted := w.handler(data)
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Msg("Failed to remove sequence file")
			}
			log.Info().Bool("accepted", accepted).Msg("Sequence file processed")
		}
	}
}
