package config

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".deployctl.yaml"

type File struct {
	Registry        string                   `yaml:"registry"`
	PrimaryBranch   string                   `yaml:"primary_branch,omitempty"`
	ServicesRoot    string                   `yaml:"services_root,omitempty"`
	DocsPrefix      string                   `yaml:"docs_prefix,omitempty"`
	DocExtensions   []string                 `yaml:"doc_extensions,omitempty"`
	BuildDescriptor string                   `yaml:"build_descriptor,omitempty"`
	ScheduleSample  int                      `yaml:"schedule_sample,omitempty"`
	ManualSample    int                      `yaml:"manual_sample,omitempty"`
	SharedContext   map[string]SharedContext `yaml:"shared_context,omitempty"`

	Oracle  Oracle  `yaml:"oracle"`
	Scanner Scanner `yaml:"scanner"`
	Audit   Audit   `yaml:"audit"`
	GitOps  GitOps  `yaml:"gitops"`
	Notify  Notify  `yaml:"notify"`
	Metrics Metrics `yaml:"metrics"`
	History History `yaml:"history"`
}

// SharedContext builds a service from a parent directory with an explicit
// build file, both relative to the repo root.
type SharedContext struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

type Oracle struct {
	VersionCommand []string `yaml:"version_command"`
	TagsCommand    []string `yaml:"tags_command"`
}

type Scanner struct {
	Command  []string `yaml:"command,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
	Upload   bool     `yaml:"upload,omitempty"`
}

type Audit struct {
	Manifests []string            `yaml:"manifests,omitempty"`
	Commands  map[string][]string `yaml:"commands,omitempty"`
}

type GitOps struct {
	Repository    string `yaml:"repository"`
	EventType     string `yaml:"event_type,omitempty"`
	APIURL        string `yaml:"api_url,omitempty"`
	TokenEnv      string `yaml:"token_env,omitempty"`
	RegistryUser  string `yaml:"registry_user_env,omitempty"`
	RegistryToken string `yaml:"registry_token_env,omitempty"`
}

type Notify struct {
	WebhookEnv string `yaml:"webhook_env,omitempty"`
	RunURL     string `yaml:"run_url,omitempty"`
}

type Metrics struct {
	Pushgateway string `yaml:"pushgateway,omitempty"`
	Job         string `yaml:"job,omitempty"`
}

type History struct {
	Path     string `yaml:"path,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &File{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

func (f *File) ApplyDefaults() {
	if f.PrimaryBranch == "" {
		f.PrimaryBranch = "main"
	}
	if f.ServicesRoot == "" {
		f.ServicesRoot = "services"
	}
	f.ServicesRoot = strings.Trim(path.Clean(filepath.ToSlash(f.ServicesRoot)), "/")
	if f.DocsPrefix == "" {
		f.DocsPrefix = "README"
	}
	if len(f.DocExtensions) == 0 {
		f.DocExtensions = []string{".md"}
	}
	if f.BuildDescriptor == "" {
		f.BuildDescriptor = "Dockerfile"
	}
	if f.ScheduleSample <= 0 {
		f.ScheduleSample = 3
	}
	if f.ManualSample <= 0 {
		f.ManualSample = 5
	}
	if len(f.Scanner.Command) == 0 {
		f.Scanner.Command = []string{"trivy", "image", "--quiet", "--format", "sarif", "--output", "{output}", "{image}"}
	}
	if len(f.Audit.Manifests) == 0 {
		f.Audit.Manifests = []string{"go.mod", "package.json", "requirements.txt"}
	}
	if f.Audit.Commands == nil {
		f.Audit.Commands = map[string][]string{
			"go.mod":           {"govulncheck", "-C", "{dir}", "./..."},
			"package.json":     {"npm", "audit", "--prefix", "{dir}", "--audit-level=high"},
			"requirements.txt": {"pip-audit", "-r", "{manifest}"},
		}
	}
	if f.GitOps.EventType == "" {
		f.GitOps.EventType = "deploy-images"
	}
	if f.GitOps.APIURL == "" {
		f.GitOps.APIURL = "https://api.github.com"
	}
	if f.GitOps.TokenEnv == "" {
		f.GitOps.TokenEnv = "GITOPS_TOKEN"
	}
	if f.Notify.WebhookEnv == "" {
		f.Notify.WebhookEnv = "DEPLOY_WEBHOOK_URL"
	}
	if f.Metrics.Job == "" {
		f.Metrics.Job = "deployctl"
	}
	if f.History.Path == "" {
		f.History.Path = filepath.Join(".deployctl", "history.db")
	}
}

// Validate checks the fields a deploying run cannot do without.
func (f *File) Validate() error {
	if f.Registry == "" {
		return errors.New("config: registry is required")
	}
	if strings.Contains(f.ServicesRoot, "..") {
		return errors.Errorf("config: services_root %q escapes the repository", f.ServicesRoot)
	}
	if f.GitOps.Repository != "" && strings.Count(f.GitOps.Repository, "/") != 1 {
		return errors.Errorf("config: gitops.repository %q must be owner/name", f.GitOps.Repository)
	}
	for svc, sc := range f.SharedContext {
		if sc.Context == "" || sc.Dockerfile == "" {
			return errors.Errorf("config: shared_context %q needs context and dockerfile", svc)
		}
	}
	return nil
}

// BuildContext returns the build context directory and the build file path
// relative to it, both slash-separated and relative to the repo root. An
// empty dockerfile means the default build file at the context root.
func (f *File) BuildContext(service string) (contextDir, dockerfile string) {
	if sc, ok := f.SharedContext[service]; ok {
		ctxDir := path.Clean(filepath.ToSlash(sc.Context))
		df := path.Clean(filepath.ToSlash(sc.Dockerfile))
		if rel, err := filepath.Rel(ctxDir, df); err == nil {
			df = filepath.ToSlash(rel)
		}
		return ctxDir, df
	}
	return path.Join(f.ServicesRoot, service), ""
}

func (f *File) IsDoc(name string) bool {
	if f.DocsPrefix != "" && strings.HasPrefix(name, f.DocsPrefix) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range f.DocExtensions {
		if ext != "" && ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
