/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/valpere/mdtrans/internal/pipeline"
)

// progressInterval throttles redraws of the terminal line.
const progressInterval = 100 * time.Millisecond

// progressReporter shows run progress on stderr. A terminal gets one line
// redrawn in place; anything else gets a log record per finished chunk.
type progressReporter struct {
	w      io.Writer
	logger *slog.Logger
	isTTY  bool
	start  time.Time

	mu        sync.Mutex
	lastDone  int
	lastFlush time.Time
	lastLen   int
}

func newProgressReporter(w io.Writer, logger *slog.Logger, isTTY bool) *progressReporter {
	return &progressReporter{w: w, logger: logger, isTTY: isTTY, start: time.Now(), lastDone: -1}
}

// stderrIsTerminal reports whether progress may redraw a line on stderr.
// CI runners count as non-interactive.
func stderrIsTerminal() bool {
	if os.Getenv("CI") != "" {
		return false
	}
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (r *progressReporter) Update(p pipeline.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isTTY {
		if p.Done == r.lastDone {
			return
		}
		r.lastDone = p.Done
		r.logger.Info("progress",
			"done", p.Done,
			"total", p.Total,
			"cached", p.Cached,
			"failed", p.Failed,
			"retries", p.Retried,
		)
		return
	}

	now := time.Now()
	if p.Done < p.Total && now.Sub(r.lastFlush) < progressInterval {
		return
	}
	r.lastFlush = now
	r.lastDone = p.Done

	pct := 100.0
	if p.Total > 0 {
		pct = float64(p.Done) * 100 / float64(p.Total)
	}
	line := fmt.Sprintf("[%s/%s] %.0f%% | cached %d | failed %d | retries %d | %s",
		humanize.Comma(int64(p.Done)), humanize.Comma(int64(p.Total)), pct,
		p.Cached, p.Failed, p.Retried, time.Since(r.start).Round(time.Second))

	pad := ""
	if r.lastLen > len(line) {
		pad = strings.Repeat(" ", r.lastLen-len(line))
	}
	fmt.Fprint(r.w, "\r"+line+pad)
	r.lastLen = len(line)
}

// Finish ends the terminal line so later output starts on its own line.
func (r *progressReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isTTY && r.lastLen > 0 {
		fmt.Fprintln(r.w)
		r.lastLen = 0
	}
}
