// Package oracle asks the external version oracle for a service's semantic
// version and image tag list.
package oracle

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/pkg/errors"
)

type Oracle interface {
	Version(ctx context.Context, service string) (string, error)
	// Tags returns fully-qualified image references in oracle order.
	Tags(ctx context.Context, service, registry string) ([]string, error)
}

// Command runs the configured oracle commands through a toolexec.Runner.
type Command struct {
	Runner   toolexec.Runner
	Config   config.Oracle
	RepoRoot string
}

var _ Oracle = (*Command)(nil)

func (c *Command) Version(ctx context.Context, service string) (string, error) {
	if len(c.Config.VersionCommand) == 0 {
		return "", errors.New("oracle.version_command is not configured")
	}
	res, err := c.Runner.Run(ctx, toolexec.Spec{
		Name:    "version-oracle",
		Argv:    toolexec.Expand(c.Config.VersionCommand, map[string]string{"service": service}),
		WorkDir: c.RepoRoot,
	})
	if err != nil {
		return "", errors.Wrapf(err, "version for %s", service)
	}
	return ParseVersion(string(res.Stdout))
}

func (c *Command) Tags(ctx context.Context, service, registry string) ([]string, error) {
	if len(c.Config.TagsCommand) == 0 {
		return nil, nil
	}
	res, err := c.Runner.Run(ctx, toolexec.Spec{
		Name:    "tags-oracle",
		Argv:    toolexec.Expand(c.Config.TagsCommand, map[string]string{"service": service, "registry": registry}),
		WorkDir: c.RepoRoot,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "tags for %s", service)
	}
	return ParseTags(string(res.Stdout)), nil
}

// ParseVersion takes the last non-empty output line and requires it to be a
// semantic version. The string is returned as the oracle printed it.
func ParseVersion(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	v := strings.TrimSpace(lines[len(lines)-1])
	if v == "" {
		return "", errors.New("oracle returned an empty version")
	}
	if _, err := semver.NewVersion(v); err != nil {
		return "", errors.Wrapf(err, "oracle version %q", v)
	}
	return v, nil
}

// ParseTags splits a comma-separated list, dropping blanks and duplicates.
func ParseTags(out string) []string {
	var tags []string
	seen := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(out, func(r rune) bool { return r == ',' || r == '\n' }) {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tags = append(tags, f)
	}
	return tags
}
