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
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/valpere/mdtrans/internal/pipeline"
)

func TestProgressReporter_Terminal(t *testing.T) {
	var out bytes.Buffer
	r := newProgressReporter(&out, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true)

	r.Update(pipeline.Progress{Total: 1500, Done: 0})
	// throttled: an unfinished update right after a redraw is dropped
	r.Update(pipeline.Progress{Total: 1500, Done: 1})
	r.Update(pipeline.Progress{Total: 1500, Done: 1500, Cached: 3, Retried: 2})
	r.Finish()

	got := out.String()
	if strings.Count(got, "\r") != 2 {
		t.Errorf("expected two redraws, got %q", got)
	}
	if !strings.Contains(got, "\r[1,500/1,500] 100% | cached 3 | failed 0 | retries 2") {
		t.Errorf("unexpected final line %q", got)
	}
	if strings.Contains(got, "[1/1,500]") {
		t.Errorf("expected throttled update to be dropped, got %q", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("expected Finish to end the line, got %q", got)
	}
}

func TestProgressReporter_LogsWhenNotTerminal(t *testing.T) {
	var out, logs bytes.Buffer
	r := newProgressReporter(&out, slog.New(slog.NewTextHandler(&logs, nil)), false)

	for _, p := range []pipeline.Progress{
		{Total: 4, Done: 1},
		{Total: 4, Done: 1, Retried: 1},
		{Total: 4, Done: 2, Retried: 1},
		{Total: 4, Done: 4, Retried: 1},
	} {
		r.Update(p)
	}
	r.Finish()

	if out.Len() != 0 {
		t.Errorf("expected nothing on the terminal writer, got %q", out.String())
	}
	if n := strings.Count(logs.String(), "msg=progress"); n != 3 {
		t.Errorf("expected one record per change of done, got %d:\n%s", n, logs.String())
	}
	if !strings.Contains(logs.String(), "done=4 total=4") {
		t.Errorf("expected final record, got:\n%s", logs.String())
	}
}
