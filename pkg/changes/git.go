package changes

import (
	"context"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// GitHistory reads history from a go-git repository.
type GitHistory struct {
	repo *git.Repository
}

var _ History = (*GitHistory)(nil)

func NewGitHistory(repo *git.Repository) *GitHistory {
	return &GitHistory{repo: repo}
}

// OpenGitHistory opens the repository containing dir.
func OpenGitHistory(dir string) (*GitHistory, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errors.Wrapf(err, "open git repository at %s", dir)
	}
	return NewGitHistory(repo), nil
}

func (g *GitHistory) commit(rev string) (*object.Commit, error) {
	if rev == "" {
		rev = "HEAD"
	}
	h, err := g.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", rev)
	}
	c, err := g.repo.CommitObject(*h)
	if err != nil {
		return nil, errors.Wrapf(err, "commit %s", h)
	}
	return c, nil
}

// Head resolves the checked-out commit.
func (g *GitHistory) Head() (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "resolve HEAD")
	}
	return ref.Hash().String(), nil
}

func (g *GitHistory) ChangedBetween(ctx context.Context, base, head string) ([]string, error) {
	if base == "" {
		return nil, errors.New("base revision is required")
	}
	bc, err := g.commit(base)
	if err != nil {
		return nil, err
	}
	hc, err := g.commit(head)
	if err != nil {
		return nil, err
	}
	// diff from the fork point so commits that landed on base after it are
	// not attributed to head
	bases, err := bc.MergeBase(hc)
	if err != nil {
		return nil, errors.Wrapf(err, "merge base of %s and %s", bc.Hash, hc.Hash)
	}
	if len(bases) > 0 {
		bc = bases[0]
	}
	return diffCommits(ctx, bc, hc)
}

func (g *GitHistory) ChangedInCommit(ctx context.Context, rev string) ([]string, error) {
	c, err := g.commit(rev)
	if err != nil {
		return nil, err
	}
	if c.NumParents() == 0 {
		return treeFiles(c)
	}
	parent, err := c.Parent(0)
	if err != nil {
		return nil, errors.Wrap(err, "parent commit")
	}
	return diffCommits(ctx, parent, c)
}

func (g *GitHistory) HasParent(ctx context.Context, rev string) (bool, error) {
	c, err := g.commit(rev)
	if err != nil {
		return false, err
	}
	return c.NumParents() > 0, nil
}

func diffCommits(ctx context.Context, from, to *object.Commit) ([]string, error) {
	ft, err := from.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "tree")
	}
	tt, err := to.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "tree")
	}
	changes, err := ft.DiffContext(ctx, tt)
	if err != nil {
		return nil, errors.Wrap(err, "diff trees")
	}
	seen := map[string]struct{}{}
	for _, ch := range changes {
		if ch.From.Name != "" {
			seen[ch.From.Name] = struct{}{}
		}
		if ch.To.Name != "" {
			seen[ch.To.Name] = struct{}{}
		}
	}
	out := sortedKeys(seen)
	return out, nil
}

func treeFiles(c *object.Commit) ([]string, error) {
	t, err := c.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "tree")
	}
	var out []string
	err = t.Files().ForEach(func(f *object.File) error {
		out = append(out, f.Name)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk tree")
	}
	sort.Strings(out)
	return out, nil
}
