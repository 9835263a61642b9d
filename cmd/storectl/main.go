// Command storectl creates, inspects and edits ufs cache_dirs offline.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/objstore/fs/ufs"
	"github.com/IvanBrykalov/objstore/internal/diskio"
	"github.com/IvanBrykalov/objstore/store"
)

var (
	cacheDirs []string
	dirSelect string
	memPolicy string
	logLevel  string
	ioWorkers int
)

var rootCmd = &cobra.Command{
	Use:           "storectl",
	Short:         "Manage object store cache_dirs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringArrayVarP(&cacheDirs, "cache-dir", "d", nil,
		`cache_dir line, repeatable: "path size-MB [L1 L2] [min-size=N] [max-size=N] [policy=lru|heap:KEY] [read-only]"`)
	pf.StringVar(&dirSelect, "select", store.SelectLeastLoad, "cache_dir selection: least-load | round-robin")
	pf.StringVar(&memPolicy, "mem-policy", "lru", "memory removal policy: lru | heap GDSF | heap LFUDA | heap LRU")
	pf.StringVar(&logLevel, "log-level", "info", "log level")
	pf.IntVar(&ioWorkers, "io-workers", 0, "disk I/O threads (0 = auto)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("storectl failed")
		os.Exit(1)
	}
}

// session is an opened store: one controller over the configured dirs
// sharing one I/O pool.
type session struct {
	c    *store.Controller
	pool *diskio.Pool
	log  *logrus.Logger
}

func newLogger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, store.ErrBadConfig.Here().WithMessagef("bad --log-level %q", logLevel)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return log, nil
}

// open builds the controller. With load set it also replays every swap
// log before returning.
func open(load bool) (*session, error) {
	if len(cacheDirs) == 0 {
		return nil, store.ErrBadConfig.Here().WithMessage("at least one --cache-dir is required")
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	s := &session{log: log, pool: diskio.New(diskio.Options{Workers: ioWorkers, Logger: log})}

	dirs := make([]store.SwapDir, 0, len(cacheDirs))
	for i, line := range cacheDirs {
		opt, err := ufs.ParseLine(line)
		if err != nil {
			_ = s.pool.Close()
			return nil, err
		}
		opt.Index, opt.IO, opt.Logger = i, s.pool, log
		d, err := ufs.New(opt)
		if err != nil {
			_ = s.pool.Close()
			return nil, err
		}
		dirs = append(dirs, d)
	}
	s.c, err = store.New(store.Options{
		Dirs:      dirs,
		DirSelect: dirSelect,
		MemPolicy: memPolicy,
		Logger:    log,
	})
	if err != nil {
		_ = s.pool.Close()
		return nil, err
	}
	if load {
		if err := s.c.Init(); err != nil {
			s.close()
			return nil, err
		}
		s.c.Sync()
	}
	return s, nil
}

func (s *session) close() {
	if err := s.c.Close(); err != nil {
		s.log.WithError(err).Warn("close failed")
	}
	if err := s.pool.Close(); err != nil {
		s.log.WithError(err).Warn("I/O pool close failed")
	}
}
