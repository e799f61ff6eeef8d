// Package changes derives the set of affected services from a trigger event.
package changes

import (
	"context"
	"encoding/json"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/rs/zerolog/log"
)

// ChangeSet is the sorted, de-duplicated list of affected services.
type ChangeSet struct {
	Services     []string `json:"services"`
	ShouldDeploy bool     `json:"should_deploy"`
}

func (c ChangeSet) Empty() bool { return len(c.Services) == 0 }

func (c ChangeSet) CSV() string { return strings.Join(c.Services, ",") }

func (c ChangeSet) JSON() string {
	s := c.Services
	if s == nil {
		s = []string{}
	}
	b, _ := json.Marshal(s)
	return string(b)
}

// History answers the version-control questions detection needs. An empty
// rev means HEAD.
type History interface {
	ChangedBetween(ctx context.Context, base, head string) ([]string, error)
	ChangedInCommit(ctx context.Context, rev string) ([]string, error)
	HasParent(ctx context.Context, rev string) (bool, error)
}

type Detector struct {
	Config  *config.File
	History History
	// Tree is the repository working tree, rooted at the repo root.
	Tree fs.FS
}

// Detect never fails: unreadable history degrades to an empty changeset.
func (d *Detector) Detect(ctx context.Context, ev trigger.EventContext) ChangeSet {
	cs := ChangeSet{Services: []string{}}

	var services []string
	switch ev.Kind {
	case trigger.KindPullRequest:
		paths, err := d.History.ChangedBetween(ctx, ev.BaseSHA, ev.HeadSHA)
		if err != nil {
			log.Warn().Err(err).Str("base", ev.BaseSHA).Str("head", ev.HeadSHA).Msg("diff failed; no services detected")
			return cs
		}
		services = d.Reduce(paths)

	case trigger.KindSchedule:
		services = limit(d.ServicesWithBuildDescriptor(), d.Config.ScheduleSample)

	case trigger.KindManual:
		services = limit(d.Services(), d.Config.ManualSample)

	case trigger.KindPush:
		hasParent, err := d.History.HasParent(ctx, ev.HeadSHA)
		if err != nil {
			log.Warn().Err(err).Str("head", ev.HeadSHA).Msg("reading history failed; no services detected")
			return cs
		}
		if !hasParent {
			services = d.Services()
			break
		}
		paths, err := d.History.ChangedInCommit(ctx, ev.HeadSHA)
		if err != nil {
			log.Warn().Err(err).Str("head", ev.HeadSHA).Msg("diff failed; no services detected")
			return cs
		}
		services = d.Reduce(paths)
	}

	if len(services) == 0 {
		return cs
	}
	cs.Services = services
	cs.ShouldDeploy = ShouldDeploy(ev, d.Config.PrimaryBranch)
	return cs
}

// ShouldDeploy is true for pushes to the primary branch and manual runs.
func ShouldDeploy(ev trigger.EventContext, primaryBranch string) bool {
	switch ev.Kind {
	case trigger.KindPush:
		return ev.Branch == primaryBranch
	case trigger.KindManual:
		return true
	}
	return false
}

// Reduce maps repository paths to the unique, sorted service directories
// directly under the services root. Files sitting at the root itself and
// documentation entries never name a service.
func (d *Detector) Reduce(paths []string) []string {
	prefix := d.Config.ServicesRoot + "/"
	seen := map[string]struct{}{}
	for _, p := range paths {
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		i := strings.IndexByte(rest, '/')
		if i <= 0 {
			continue
		}
		name := rest[:i]
		if d.Config.IsDoc(name) {
			continue
		}
		seen[name] = struct{}{}
	}
	return sortedKeys(seen)
}

// Services lists every top-level service directory, sorted.
func (d *Detector) Services() []string {
	entries, err := fs.ReadDir(d.Tree, d.Config.ServicesRoot)
	if err != nil {
		log.Debug().Err(err).Str("root", d.Config.ServicesRoot).Msg("services root not readable")
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || d.Config.IsDoc(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func (d *Detector) ServicesWithBuildDescriptor() []string {
	var out []string
	for _, svc := range d.Services() {
		if d.HasBuildDescriptor(svc) {
			out = append(out, svc)
		}
	}
	return out
}

func (d *Detector) HasBuildDescriptor(svc string) bool {
	fi, err := fs.Stat(d.Tree, path.Join(d.Config.ServicesRoot, svc, d.Config.BuildDescriptor))
	return err == nil && !fi.IsDir()
}

func limit(s []string, n int) []string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
