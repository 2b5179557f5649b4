// Package sftpingest polls a remote SFTP drop zone for collected data files.
// Remote stations without direct connectivity upload into the same
// {sensors,images,sonar} layout the directory watcher uses; the poller
// downloads, ingests, and files each upload under processed/ or failed/.
package sftpingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// Ingestor accepts raw payloads for processing.
type Ingestor interface {
	Ingest(ctx context.Context, raw domain.RawPayload) (int, error)
}

// Options hold the remote endpoint and poll cadence.
type Options struct {
	Host         string
	Port         int
	User         string
	Password     string
	RemoteRoot   string
	PollInterval time.Duration
	DialTimeout  time.Duration
}

// categoryDirs mirrors the directory watcher's layout on the remote side.
var categoryDirs = map[string]struct {
	category   domain.Category
	extensions map[string]domain.Encoding
}{
	"sensors": {
		category: domain.CategorySensor,
		extensions: map[string]domain.Encoding{
			".csv":  domain.EncodingCSV,
			".json": domain.EncodingJSON,
		},
	},
	"images": {
		category: domain.CategoryImage,
		extensions: map[string]domain.Encoding{
			".jpg":  domain.EncodingBinary,
			".jpeg": domain.EncodingBinary,
			".png":  domain.EncodingBinary,
			".tiff": domain.EncodingBinary,
			".tif":  domain.EncodingBinary,
		},
	},
	"sonar": {
		category: domain.CategorySonar,
		extensions: map[string]domain.Encoding{
			".csv":  domain.EncodingCSV,
			".json": domain.EncodingJSON,
			".bin":  domain.EncodingBinary,
		},
	},
}

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Poller drains the remote drop zone on a fixed interval. Each cycle opens a
// fresh connection; a flaky link then costs one cycle, not the adapter.
type Poller struct {
	opts     Options
	ingestor Ingestor
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewPoller creates a poller. The interval defaults to a minute.
func NewPoller(opts Options, ingestor Ingestor, clock clockwork.Clock, logger *slog.Logger) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Poller{opts: opts, ingestor: ingestor, clock: clock, logger: logger}
}

// Run polls until the context is cancelled. The first cycle runs immediately
// so a restart drains any backlog without waiting out the interval.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("sftp poller started",
		"host", p.opts.Host, "root", p.opts.RemoteRoot, "interval", p.opts.PollInterval)

	ticker := p.clock.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.pollOnce(ctx); err != nil {
			p.logger.Error("sftp poll cycle failed", "host", p.opts.Host, "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("sftp poller stopping")
			return nil
		case <-ticker.Chan():
		}
	}
}

// pollOnce connects, drains every category directory, and disconnects.
func (p *Poller) pollOnce(ctx context.Context) error {
	client, closer, err := p.connect()
	if err != nil {
		return err
	}
	defer closer()

	for dir, spec := range categoryDirs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remoteDir := path.Join(p.opts.RemoteRoot, dir)
		entries, err := client.ReadDir(remoteDir)
		if err != nil {
			p.logger.Warn("list remote directory", "dir", remoteDir, "error", err)
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() {
				continue
			}
			encoding, ok := spec.extensions[strings.ToLower(path.Ext(entry.Name()))]
			if !ok {
				continue
			}
			p.handleRemoteFile(ctx, client, dir, entry.Name(), spec.category, encoding)
		}
	}
	return nil
}

// connect dials the remote host and opens an SFTP session over it.
func (p *Poller) connect() (*sftp.Client, func(), error) {
	addr := net.JoinHostPort(p.opts.Host, fmt.Sprintf("%d", p.opts.Port))
	sshConfig := &ssh.ClientConfig{
		User: p.opts.User,
		Auth: []ssh.AuthMethod{ssh.Password(p.opts.Password)},
		// Drop zones live inside the monitoring VPC; host keys rotate with
		// the fleet, so they are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         p.opts.DialTimeout,
	}

	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("dial sftp host %s: %w", addr, err)
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("open sftp session on %s: %w", addr, err)
	}
	closer := func() {
		client.Close()
		sshClient.Close()
	}
	return client, closer, nil
}

// handleRemoteFile downloads one upload, ingests it, and moves the remote
// original to its outcome directory.
func (p *Poller) handleRemoteFile(ctx context.Context, client *sftp.Client, dir, name string, category domain.Category, encoding domain.Encoding) {
	remotePath := path.Join(p.opts.RemoteRoot, dir, name)

	f, err := client.Open(remotePath)
	if err != nil {
		p.logger.Error("open remote file", "path", remotePath, "error", err)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		p.logger.Error("download remote file", "path", remotePath, "error", err)
		return
	}

	raw := domain.RawPayload{
		Data:     data,
		Category: category,
		Encoding: encoding,
		Provenance: domain.Provenance{
			Channel:    "sftp",
			Ref:        path.Join(dir, name),
			ReceivedAt: p.clock.Now().UTC(),
			SiteID:     domain.SiteFromFileName(name),
		},
	}

	accepted, ingestErr := p.ingestor.Ingest(ctx, raw)
	if ingestErr != nil && accepted > 0 {
		// Some readings queued before the cut-off. The file stays put and
		// the whole batch re-ingests next cycle; idempotent storage
		// absorbs the overlap.
		p.logger.Warn("remote file partially ingested, left for next cycle",
			"path", remotePath, "accepted", accepted, "error", ingestErr)
		return
	}
	outcome := processedDir
	if ingestErr != nil {
		outcome = failedDir
	}

	target := path.Join(p.opts.RemoteRoot, dir, outcome, name)
	if err := client.MkdirAll(path.Join(p.opts.RemoteRoot, dir, outcome)); err != nil {
		p.logger.Warn("create remote outcome directory",
			"dir", path.Join(dir, outcome), "error", err)
	}
	if err := client.Rename(remotePath, target); err != nil {
		// Left in place, the file is re-ingested next cycle; idempotent
		// storage absorbs the duplicate.
		p.logger.Error("move remote file", "path", remotePath, "outcome", outcome, "error", err)
		return
	}
	if ingestErr != nil {
		p.logger.Warn("remote file rejected", "path", remotePath, "error", ingestErr)
		return
	}
	p.logger.Info("remote file ingested", "path", remotePath, "readings", accepted)
}
