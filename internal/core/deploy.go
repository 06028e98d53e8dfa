package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	kssh "github.com/3cpo-dev/kiln/internal/ssh"
)

// Remote receives uploaded files. *ssh.Uploader implements it.
type Remote interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// DeployPlan lists the output files whose checksum differs from what the
// ledger recorded for the target.
type DeployPlan struct {
	Target    string
	Upload    []DeployedFile
	Unchanged int
	Bytes     int64
}

// Deployer pushes the output directory to the configured host.
type Deployer struct {
	Config Config
	Store  *Store
	// Connect opens the remote side. Nil dials Config.Deploy over SSH.
	Connect func(ctx context.Context) (Remote, error)
}

// Target identifies the deploy destination in the ledger.
func (d *Deployer) Target() string {
	dep := d.Config.Deploy
	return fmt.Sprintf("%s@%s:%s", dep.User, net.JoinHostPort(dep.Host, strconv.Itoa(dep.Port)), dep.RemoteDir)
}

// Plan checksums every file under the output directory and compares it with
// the ledger.
func (d *Deployer) Plan(ctx context.Context) (*DeployPlan, error) {
	target := d.Target()
	deployed, err := d.Store.DeployedChecksums(ctx, target)
	if err != nil {
		return nil, err
	}
	root := d.Config.OutputDir()
	plan := &DeployPlan{Target: target}
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if p != root && strings.HasPrefix(de.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		sum, size, err := checksum(p)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", rel, err)
		}
		if deployed[rel] == sum {
			plan.Unchanged++
			return nil
		}
		plan.Upload = append(plan.Upload, DeployedFile{Path: rel, Checksum: sum, Size: size})
		plan.Bytes += size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan output: %w", err)
	}
	return plan, nil
}

// Deploy uploads the files of a fresh Plan and records each upload in the
// ledger. With dryRun nothing is uploaded. Files uploaded before a failure
// stay recorded.
func (d *Deployer) Deploy(ctx context.Context, dryRun bool) (*DeployPlan, error) {
	plan, err := d.Plan(ctx)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("target", plan.Target).Logger()
	if dryRun || len(plan.Upload) == 0 {
		logger.Info().Int("changed", len(plan.Upload)).Int("unchanged", plan.Unchanged).
			Str("size", humanize.Bytes(uint64(plan.Bytes))).Bool("dry_run", dryRun).Msg("Deploy plan")
		return plan, nil
	}

	connect := d.Connect
	if connect == nil {
		connect = d.dial
	}
	remote, err := connect(ctx)
	if err != nil {
		return plan, fmt.Errorf("connect %s: %w", plan.Target, err)
	}
	defer remote.Close()

	start := time.Now()
	root := d.Config.OutputDir()
	uploaded := make([]DeployedFile, 0, len(plan.Upload))
	var uploadErr error
	for _, f := range plan.Upload {
		local := filepath.Join(root, filepath.FromSlash(f.Path))
		dst := path.Join(d.Config.Deploy.RemoteDir, f.Path)
		if err := remote.Upload(ctx, local, dst); err != nil {
			uploadErr = fmt.Errorf("upload %s: %w", f.Path, err)
			break
		}
		logger.Debug().Str("path", f.Path).Str("size", humanize.Bytes(uint64(f.Size))).Msg("Uploaded")
		uploaded = append(uploaded, f)
	}
	if len(uploaded) > 0 {
		if err := d.Store.RecordDeployed(context.WithoutCancel(ctx), plan.Target, uploaded); err != nil {
			return plan, errors.Join(uploadErr, err)
		}
	}
	if uploadErr != nil {
		return plan, uploadErr
	}
	logger.Info().Int("uploaded", len(uploaded)).Int("unchanged", plan.Unchanged).
		Str("size", humanize.Bytes(uint64(plan.Bytes))).Dur("duration", time.Since(start)).Msg("Deploy finished")
	return plan, nil
}

type sshRemote struct {
	*kssh.Uploader
	conn *xssh.Client
}

func (r *sshRemote) Close() error {
	return errors.Join(r.Uploader.Close(), r.conn.Close())
}

func (d *Deployer) dial(ctx context.Context) (Remote, error) {
	dep := d.Config.Deploy
	var missing []string
	if dep.Host == "" {
		missing = append(missing, "host")
	}
	if dep.User == "" {
		missing = append(missing, "user")
	}
	if dep.KeyPath == "" {
		missing = append(missing, "key_path")
	}
	if dep.RemoteDir == "" {
		missing = append(missing, "remote_dir")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("deploy settings missing: %s", strings.Join(missing, ", "))
	}

	signer, err := kssh.LoadPrivateKeySigner(d.Config.Abs(expandHome(dep.KeyPath)))
	if err != nil {
		return nil, err
	}
	known := dep.KnownHosts
	if known == "" {
		home, _ := os.UserHomeDir()
		known = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := kssh.LoadKnownHostsCallback(d.Config.Abs(expandHome(known)), dep.TrustNewHosts)
	if err != nil {
		return nil, err
	}
	conn, err := kssh.Dial(ctx, &kssh.Client{
		Addr:       net.JoinHostPort(dep.Host, strconv.Itoa(dep.Port)),
		User:       dep.User,
		Signer:     signer,
		KnownHosts: callback,
		Timeout:    time.Duration(dep.TimeoutSeconds) * time.Second,
		Retries:    dep.Retries,
	})
	if err != nil {
		return nil, err
	}
	up, err := kssh.NewUploader(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &sshRemote{Uploader: up, conn: conn}, nil
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}

func checksum(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
