package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// dirRemote uploads into a local directory.
type dirRemote struct {
	root    string
	uploads []string
	failOn  string
	closed  bool
}

func (r *dirRemote) Upload(ctx context.Context, local, remote string) error {
	if r.failOn != "" && strings.HasSuffix(remote, r.failOn) {
		return errors.New("connection reset")
	}
	b, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	dst := filepath.Join(r.root, filepath.FromSlash(remote))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	r.uploads = append(r.uploads, remote)
	return os.WriteFile(dst, b, 0o644)
}

func (r *dirRemote) Close() error {
	r.closed = true
	return nil
}

func newDeployer(t *testing.T, root string, remote *dirRemote) *Deployer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.Deploy.Host = "web.example"
	cfg.Deploy.User = "deploy"
	cfg.Deploy.RemoteDir = "/srv/www"
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Deployer{
		Config:  cfg,
		Store:   store,
		Connect: func(context.Context) (Remote, error) { return remote, nil },
	}
}

func TestDeployUploadsOnlyChangedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dist/index.html", "<p>hi</p>")
	writeFile(t, root, "dist/assets/css/site.css", "a{color:red}")
	writeFile(t, root, "dist/.kiln-stage-123/0", "partial")

	remote := &dirRemote{root: t.TempDir()}
	d := newDeployer(t, root, remote)
	if d.Target() != "deploy@web.example:22:/srv/www" {
		t.Fatalf("unexpected target %s", d.Target())
	}
	ctx := context.Background()

	plan, err := d.Deploy(ctx, false)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(plan.Upload) != 2 || plan.Bytes != int64(len("<p>hi</p>")+len("a{color:red}")) {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if !remote.closed {
		t.Fatal("remote should be closed")
	}
	if got, _ := os.ReadFile(filepath.Join(remote.root, "srv", "www", "assets", "css", "site.css")); string(got) != "a{color:red}" {
		t.Fatalf("unexpected remote content %q", got)
	}

	writeFile(t, root, "dist/index.html", "<p>changed</p>")
	remote.uploads = nil
	plan, err = d.Deploy(ctx, false)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if plan.Unchanged != 1 || len(remote.uploads) != 1 || remote.uploads[0] != "/srv/www/index.html" {
		t.Fatalf("expected only index.html, got %+v uploads=%v", plan, remote.uploads)
	}
}

func TestDeployDryRunUploadsNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dist/index.html", "<p>hi</p>")
	remote := &dirRemote{root: t.TempDir()}
	d := newDeployer(t, root, remote)

	plan, err := d.Deploy(context.Background(), true)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(plan.Upload) != 1 || len(remote.uploads) != 0 {
		t.Fatalf("dry run uploaded: %v", remote.uploads)
	}
	again, _ := d.Plan(context.Background())
	if len(again.Upload) != 1 {
		t.Fatal("dry run must not record checksums")
	}
}

func TestDeployRecordsPartialProgress(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dist/a.html", "a")
	writeFile(t, root, "dist/b.html", "b")
	remote := &dirRemote{root: t.TempDir(), failOn: "b.html"}
	d := newDeployer(t, root, remote)

	if _, err := d.Deploy(context.Background(), false); err == nil || !strings.Contains(err.Error(), "b.html") {
		t.Fatalf("expected upload error for b.html, got %v", err)
	}
	plan, err := d.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Upload) != 1 || plan.Upload[0].Path != "b.html" || plan.Unchanged != 1 {
		t.Fatalf("a.html should be recorded as deployed: %+v", plan)
	}
}

func TestDeployRequiresSettings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dist/index.html", "x")
	cfg := DefaultConfig()
	cfg.Root = root
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d := &Deployer{Config: cfg, Store: store}
	_, err = d.Deploy(context.Background(), false)
	if err == nil || !strings.Contains(err.Error(), "host, user, key_path, remote_dir") {
		t.Fatalf("expected missing settings error, got %v", err)
	}
}
