package security

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/mod/modfile"
)

type ManifestResult struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	// Module and Requires are filled for go.mod manifests.
	Module   string        `json:"module,omitempty"`
	Requires int           `json:"requires,omitempty"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

type AuditReport struct {
	Manifests []ManifestResult `json:"manifests"`
}

func (r AuditReport) Failed() []string {
	var out []string
	for _, m := range r.Manifests {
		if !m.Passed && !m.Skipped {
			out = append(out, m.Path)
		}
	}
	return out
}

type Auditor struct {
	Config   *config.File
	Runner   toolexec.Runner
	RepoRoot string
	// Tree is rooted at the repo root.
	Tree fs.FS
}

var skipDirs = map[string]bool{"node_modules": true, "vendor": true, "__pycache__": true}

// Discover lists manifest paths under the services root, sorted by walk order.
func (a *Auditor) Discover() ([]string, error) {
	want := map[string]bool{}
	for _, m := range a.Config.Audit.Manifests {
		want[m] = true
	}
	var out []string
	err := fs.WalkDir(a.Tree, a.Config.ServicesRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != a.Config.ServicesRoot && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
				return fs.SkipDir
			}
			return nil
		}
		if want[d.Name()] {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", a.Config.ServicesRoot)
	}
	return out, nil
}

// Run audits every manifest. Auditor failures are logged and recorded; only
// a failure to discover manifests is returned.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	manifests, err := a.Discover()
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{Manifests: make([]ManifestResult, 0, len(manifests))}
	for _, m := range manifests {
		res := a.auditOne(ctx, m)
		ev := log.Info()
		if !res.Passed && !res.Skipped {
			ev = log.Warn()
		}
		ev.Str("stage", "dependency_audit").Str("manifest", m).Bool("passed", res.Passed).Str("error", res.Error).Msg("manifest audited")
		report.Manifests = append(report.Manifests, res)
	}
	return report, nil
}

func (a *Auditor) auditOne(ctx context.Context, manifest string) (res ManifestResult) {
	start := time.Now()
	kind := path.Base(manifest)
	res = ManifestResult{Path: manifest, Kind: kind}
	defer func() { res.Duration = time.Since(start) }()

	if kind == "go.mod" {
		if data, err := fs.ReadFile(a.Tree, manifest); err == nil {
			if mod, requires, err := ParseGoMod(manifest, data); err == nil {
				res.Module, res.Requires = mod, requires
			} else {
				log.Debug().Err(err).Str("manifest", manifest).Msg("go.mod not parseable")
			}
		}
	}

	argv, ok := a.Config.Audit.Commands[kind]
	if !ok || len(argv) == 0 {
		res.Skipped = true
		res.Passed = true
		return res
	}
	abs := filepath.Join(a.RepoRoot, filepath.FromSlash(manifest))
	tr, err := a.Runner.Run(ctx, toolexec.Spec{
		Name:    "auditor",
		Argv:    toolexec.Expand(argv, map[string]string{"manifest": abs, "dir": filepath.Dir(abs)}),
		WorkDir: a.RepoRoot,
	})
	res.Output = strings.TrimSpace(string(tr.Stdout))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = true
	return res
}

// ParseGoMod returns the module path and the number of direct requirements.
func ParseGoMod(name string, data []byte) (string, int, error) {
	f, err := modfile.Parse(name, data, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "parse go.mod")
	}
	direct := 0
	for _, r := range f.Require {
		if !r.Indirect {
			direct++
		}
	}
	mod := ""
	if f.Module != nil {
		mod = f.Module.Mod.Path
	}
	return mod, direct, nil
}
