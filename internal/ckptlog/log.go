// Package ckptlog provides the structured logger used across blobcr's
// packages, wrapping logiface with the stumpy backend, the same way the
// reference module's own logiface-stumpy subpackage wires them together.
package ckptlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type (
	// Event is the concrete event type used by every Logger in this module.
	Event = stumpy.Event

	// Logger is the logger type used across blobcr.
	Logger = logiface.Logger[*Event]

	// Builder is returned by the Logger level methods (Info, Debug, etc).
	Builder = logiface.Builder[*Event]
)

var (
	mu      sync.Mutex
	writers = map[string]io.Writer{}
)

// New builds a Logger writing JSON lines to w at the given rank, logging at
// level and above. A nil w defaults to os.Stderr.
func New(w io.Writer, rank int, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*Event](level),
	).Clone().Int("rank", rank).Logger()
}

// FileForRank opens (creating if needed, appending otherwise) the per-rank
// log file ckpt_messages-rank_<rank>.log under prefix, the directory named
// by CKPT_LOG_PREFIX. An empty prefix returns os.Stderr. Repeated calls
// for the same prefix/rank return the same *os.File-backed writer.
func FileForRank(prefix string, rank int) (io.Writer, error) {
	if prefix == "" {
		return os.Stderr, nil
	}

	mu.Lock()
	defer mu.Unlock()

	key := filepath.Join(prefix, fmt.Sprintf("rank-%d", rank))
	if w, ok := writers[key]; ok {
		return w, nil
	}

	path := filepath.Join(prefix, fmt.Sprintf("ckpt_messages-rank_%d.log", rank))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ckptlog: open %s: %w", path, err)
	}
	writers[key] = f
	return f, nil
}
