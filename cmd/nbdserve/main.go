// nbdserve exposes an FTL-backed emulated flash device over the NBD
// protocol, so a host kernel can mount it as a regular block device. The
// FTL itself is single-threaded; every NBD request is serialized through
// one mutex around the instance.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	spiftl "github.com/norflash/spiftl"
	"github.com/norflash/spiftl/internal/config"
	"github.com/norflash/spiftl/internal/flashbadger"
	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/pkg/flash"
	"github.com/norflash/spiftl/pkg/flash/flashram"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:  "nbdserve",
		Usage: "serve an FTL-backed emulated flash device over NBD",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	conf := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		conf, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	reportDiskUsage(conf.Image)

	dev, cleanup, err := openDevice(conf)
	if err != nil {
		return err
	}
	defer cleanup()

	ftl, err := spiftl.New(dev, spiftl.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("creating FTL: %w", err)
	}
	restored, err := ftl.Start()
	if err != nil {
		return fmt.Errorf("starting FTL: %w", err)
	}
	log.WithFields(logrus.Fields{
		"restored": restored,
		"lbas":     ftl.LBACount(),
		"bytes":    ftl.LBACount() * geometry.LBABytes,
	}).Info("FTL ready")

	b := &ftlBackend{ftl: ftl}

	l, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", conf.Listen, err)
	}
	defer l.Close()
	log.WithField("listen", conf.Listen).Info("serving NBD")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down, persisting FTL state")
		b.mu.Lock()
		if err := ftl.Persist(); err != nil {
			log.Errorf("persisting on shutdown: %v", err)
		}
		b.mu.Unlock()
		cleanup()
		l.Close()
		os.Exit(0)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			err := server.Handle(conn, []*server.Export{
				{
					Name:        conf.Export,
					Description: "spiftl emulated flash",
					Backend:     b,
				},
			}, &server.Options{
				MinimumBlockSize:   geometry.LBABytes,
				PreferredBlockSize: geometry.LBABytes,
				MaximumBlockSize:   geometry.EBBytes,
			})
			if err != nil {
				log.Errorf("client session: %v", err)
			}
		}()
	}
}

func openDevice(conf config.Config) (flash.Device, func(), error) {
	switch conf.Backend {
	case "ram":
		dev, err := flashram.New(conf.FlashSize)
		if err != nil {
			return nil, nil, err
		}
		if _, statErr := os.Stat(conf.Image); statErr == nil {
			if err := dev.LoadFile(conf.Image); err != nil {
				return nil, nil, err
			}
			log.WithField("image", conf.Image).Info("loaded flash image")
		}
		cleanup := func() {
			if err := dev.SaveFile(conf.Image); err != nil {
				log.Errorf("saving flash image: %v", err)
			}
		}
		return dev, cleanup, nil
	case "badger":
		dev, err := flashbadger.Open(flashbadger.Config{
			Path:       conf.Image,
			FlashBytes: conf.FlashSize,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return dev, func() { dev.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}
}

func reportDiskUsage(path string) {
	dir := path
	if _, err := os.Stat(dir); err != nil {
		dir = "."
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		log.Debugf("disk usage unavailable: %v", err)
		return
	}
	log.WithFields(logrus.Fields{
		"path":       usage.Path,
		"total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
	}).Info("backing store disk usage")
}

// ftlBackend adapts the FTL to the NBD backend contract. Partial-block
// writes are handled read-modify-write; the FTL only speaks whole LBAs.
type ftlBackend struct {
	mu  sync.Mutex
	ftl *spiftl.FTL
}

func (b *ftlBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var blk [geometry.LBABytes]byte
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		lba := int(pos / geometry.LBABytes)
		in := int(pos % geometry.LBABytes)
		if err := b.ftl.Read(lba, blk[:]); err != nil {
			return n, err
		}
		n += copy(p[n:], blk[in:])
	}
	return n, nil
}

func (b *ftlBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var blk [geometry.LBABytes]byte
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		lba := int(pos / geometry.LBABytes)
		in := int(pos % geometry.LBABytes)
		if in != 0 || len(p)-n < geometry.LBABytes {
			// Partial block: merge with the current contents.
			if err := b.ftl.Read(lba, blk[:]); err != nil {
				return n, err
			}
			n += copy(blk[in:], p[n:])
		} else {
			copy(blk[:], p[n:n+geometry.LBABytes])
			n += geometry.LBABytes
		}
		if err := b.ftl.Write(lba, blk[:]); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Trim discards a byte range (NBD_CMD_TRIM). Discard is advisory and must
// not disturb data outside the range, so only LBAs fully covered by it are
// trimmed; partial leading or trailing blocks are left alone.
func (b *ftlBackend) Trim(length uint32, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := int((off + geometry.LBABytes - 1) / geometry.LBABytes)
	end := int((off + int64(length)) / geometry.LBABytes)
	for lba := first; lba < end; lba++ {
		if err := b.ftl.Trim(lba); err != nil {
			return err
		}
	}
	return nil
}

func (b *ftlBackend) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.ftl.LBACount()) * geometry.LBABytes, nil
}

func (b *ftlBackend) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ftl.Persist()
}

// trimmer is the discard capability a server can probe the backend for.
type trimmer interface {
	Trim(length uint32, off int64) error
}

var _ trimmer = (*ftlBackend)(nil)
