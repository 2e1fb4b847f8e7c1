package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/lensisku/lexiassist/internal/apperr"
)

const (
	DefaultHubEndpoint = "https://huggingface.co"
	DefaultRevision    = "main"

	lockRetryInterval = 200 * time.Millisecond
)

// ArtifactSource resolves a model file name to a local path, downloading it
// on first use.
type ArtifactSource interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// HubSource fetches files from a HuggingFace model repository and caches them
// in the hub's on-disk layout, so a cache populated by other tools is reused.
type HubSource struct {
	Repo     string
	Revision string
	Endpoint string
	CacheDir string
	// Token is sent as a bearer token when set.
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

// DefaultCacheDir returns $HF_HOME/hub, falling back to ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "huggingface", "hub")
	}
	return filepath.Join(os.TempDir(), "huggingface", "hub")
}

// NewHubSource returns a HubSource for repo with defaults taken from the
// HF_ENDPOINT, HF_HOME and HF_TOKEN environment variables.
func NewHubSource(repo string) *HubSource {
	endpoint := os.Getenv("HF_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	return &HubSource{
		Repo:     repo,
		Revision: DefaultRevision,
		Endpoint: endpoint,
		CacheDir: DefaultCacheDir(),
		Token:    os.Getenv("HF_TOKEN"),
		Client:   &http.Client{},
	}
}

func (h *HubSource) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *HubSource) revision() string {
	if h.Revision == "" {
		return DefaultRevision
	}
	return h.Revision
}

// localPath is the snapshot path for name, e.g.
// {cache}/models--org--model/snapshots/main/onnx/model.onnx.
func (h *HubSource) localPath(name string) string {
	repoDir := "models--" + strings.ReplaceAll(h.Repo, "/", "--")
	return filepath.Join(h.CacheDir, repoDir, "snapshots", h.revision(), filepath.FromSlash(name))
}

// Fetch returns the cached path for name, downloading it first when missing.
// Concurrent processes downloading the same file are serialized by a lock file.
func (h *HubSource) Fetch(ctx context.Context, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", apperr.New(apperr.KindModelLoad, fmt.Sprintf("invalid artifact name %q", name), nil)
	}
	path := h.localPath(name)
	if fileExists(path) {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperr.New(apperr.KindModelLoad, "creating model cache directory", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return "", apperr.New(apperr.KindModelLoad, "acquiring download lock for "+name, err)
	}
	if !locked {
		return "", apperr.New(apperr.KindModelLoad, "download lock for "+name+" not acquired", nil)
	}
	// The lock file is never removed; every process must lock the same inode.
	defer lock.Unlock()

	// Another process may have finished while we waited for the lock.
	if fileExists(path) {
		return path, nil
	}

	start := time.Now()
	if err := h.download(ctx, name, path); err != nil {
		return "", err
	}
	h.logger().Info("model artifact downloaded", "repo", h.Repo, "file", name, "duration", time.Since(start))
	return path, nil
}

func (h *HubSource) download(ctx context.Context, name, dest string) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(h.Endpoint, "/"), h.Repo, h.revision(), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.New(apperr.KindModelLoad, "creating download request", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperr.New(apperr.KindModelLoad, "downloading "+name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, apperr.MaxRawLength))
		return apperr.WithRaw(apperr.KindModelLoad,
			fmt.Sprintf("downloading %s: status %d", name, resp.StatusCode),
			apperr.Redact(string(body), h.Token), nil)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return apperr.New(apperr.KindModelLoad, "creating temp file", err)
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpName)
		return apperr.New(apperr.KindModelLoad, "writing "+name, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return apperr.New(apperr.KindModelLoad, "moving "+name+" into cache", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
