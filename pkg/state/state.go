// Package state persists the per-run wire format that stages hand to each
// other and to the CI runner.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/pkg/errors"
)

const (
	StateDirName = ".deployctl"
	RunsDirName  = "runs"
)

// Run is the persisted record of one pipeline run.
type Run struct {
	RunID        string      `json:"run_id"`
	Services     []string    `json:"services"`
	ShouldDeploy bool        `json:"should_deploy"`
	VersionInfo  string      `json:"version_info,omitempty"`
	Outcomes     outcome.Set `json:"outcomes"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type Output struct {
	Key   string
	Value string
}

// Outputs renders the run in wire order: services, services_json,
// should_deploy, version_info, then one <stage>_result per recorded stage.
func (r *Run) Outputs() []Output {
	services := r.Services
	if services == nil {
		services = []string{}
	}
	js, _ := json.Marshal(services)
	out := []Output{
		{Key: "services", Value: strings.Join(services, ",")},
		{Key: "services_json", Value: string(js)},
		{Key: "should_deploy", Value: fmt.Sprintf("%t", r.ShouldDeploy)},
		{Key: "version_info", Value: r.VersionInfo},
	}
	for _, st := range r.Outcomes.Stages() {
		out = append(out, Output{Key: string(st) + "_result", Value: string(r.Outcomes.Get(st))})
	}
	return out
}

func RunsDir(repoRoot string) string {
	return filepath.Join(repoRoot, StateDirName, RunsDirName)
}

func RunPath(repoRoot, runID string) string {
	return filepath.Join(RunsDir(repoRoot), safeName(runID)+".json")
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func Load(repoRoot, runID string) (*Run, error) {
	b, err := os.ReadFile(RunPath(repoRoot, runID))
	if err != nil {
		return nil, errors.Wrap(err, "read run state")
	}
	var r Run
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "parse run state json")
	}
	return &r, nil
}

// Save writes the run record atomically.
func Save(repoRoot string, r *Run) error {
	if r == nil {
		return errors.New("nil run")
	}
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	dir := RunsDir(repoRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir runs dir")
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run state")
	}
	tmp, err := os.CreateTemp(dir, ".run-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp state")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write run state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close run state")
	}
	if err := os.Rename(tmp.Name(), RunPath(repoRoot, r.RunID)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "rename run state")
	}
	return nil
}

// WriteOutputs writes key=value lines, switching to the heredoc form for
// values that contain newlines.
func WriteOutputs(w io.Writer, outputs []Output) error {
	for _, o := range outputs {
		var err error
		if strings.ContainsAny(o.Value, "\r\n") {
			delim := "DEPLOYCTL_EOF"
			for strings.Contains(o.Value, delim) {
				delim += "_"
			}
			_, err = fmt.Fprintf(w, "%s<<%s\n%s\n%s\n", o.Key, delim, o.Value, delim)
		} else {
			_, err = fmt.Fprintf(w, "%s=%s\n", o.Key, o.Value)
		}
		if err != nil {
			return errors.Wrap(err, "write output")
		}
	}
	return nil
}

// ParseOutputs reads what WriteOutputs writes. Later keys win.
func ParseOutputs(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if k, delim, ok := strings.Cut(line, "<<"); ok && !strings.Contains(k, "=") {
			var lines []string
			closed := false
			for sc.Scan() {
				if sc.Text() == delim {
					closed = true
					break
				}
				lines = append(lines, sc.Text())
			}
			if !closed {
				return nil, errors.Errorf("output %q: missing delimiter %q", k, delim)
			}
			out[k] = strings.Join(lines, "\n")
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("malformed output line %q", line)
		}
		out[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read outputs")
	}
	return out, nil
}

func appendFile(path string, fn func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// AppendOutputs appends to the runner's step output file.
func AppendOutputs(path string, outputs []Output) error {
	return appendFile(path, func(w io.Writer) error { return WriteOutputs(w, outputs) })
}

// AppendSummary appends markdown to the runner's step summary file.
func AppendSummary(path, markdown string) error {
	return appendFile(path, func(w io.Writer) error {
		_, err := io.WriteString(w, markdown+"\n")
		return errors.Wrap(err, "write summary")
	})
}
