package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/pkg/errors"
)

// BuildRequest describes one image build. Dockerfile is relative to
// ContextDir; empty means the default build file at the context root.
type BuildRequest struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]*string
	Labels     map[string]string
}

// OutputCallback is invoked with incremental daemon messages.
type OutputCallback func(string)

func (c *Client) Build(ctx context.Context, req BuildRequest, onOutput OutputCallback) error {
	if c.inner == nil {
		return errors.New("docker client not initialized")
	}
	if req.ContextDir == "" {
		return errors.New("build context cannot be empty")
	}
	if len(req.Tags) == 0 {
		return errors.New("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return errors.Wrap(err, "create build context")
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        req.Tags,
		Dockerfile:  req.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   req.BuildArgs,
		Labels:      req.Labels,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return errors.Wrap(err, "docker image build")
	}
	defer resp.Body.Close()
	if err := decodeStream(resp.Body, onOutput); err != nil {
		return errors.Wrap(err, "docker image build")
	}
	return nil
}

func (c *Client) Tag(ctx context.Context, source, target string) error {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(target) == "" {
		return errors.New("tag source and target cannot be empty")
	}
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return errors.Wrapf(err, "tag %s as %s", source, target)
	}
	return nil
}

func (c *Client) Push(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("image reference cannot be empty")
	}
	rc, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: c.registryAuth})
	if err != nil {
		return errors.Wrapf(err, "push %s", ref)
	}
	defer rc.Close()
	if err := decodeStream(rc, nil); err != nil {
		return errors.Wrapf(err, "push %s", ref)
	}
	return nil
}

// Remove deletes a local image; a missing image is not an error.
func (c *Client) Remove(ctx context.Context, ref string) error {
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "remove image %s", ref)
	}
	return nil
}

// decodeStream drains a daemon JSON message stream, surfacing the first
// error message the daemon embeds in it.
func decodeStream(r io.Reader, onOutput OutputCallback) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "decode daemon output")
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return errors.New(errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type streamMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

func (m streamMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v", digest)
	}
	return ""
}
