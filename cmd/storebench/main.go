// Command storebench drives a proxy-like workload against ufs cache_dirs
// and exposes optional pprof/Prometheus endpoints.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/fs/ufs"
	"github.com/IvanBrykalov/objstore/internal/diskio"
	pmet "github.com/IvanBrykalov/objstore/metrics/prom"
	"github.com/IvanBrykalov/objstore/store"
)

type counters struct {
	requests, hits, memHits, misses, swapIns, swapInFailed int
}

func main() {
	// ---- Flags ----
	var (
		root     = flag.String("dir", "", "parent of the cache_dirs (empty = temporary directory)")
		dirs     = flag.Int("dirs", 2, "number of cache_dirs")
		dirMB    = flag.Int64("dir_mb", 64, "size of each cache_dir in MB")
		dirPol   = flag.String("dir_policy", "lru", "cache_dir removal policy: lru | heap GDSF | heap LFUDA | heap LRU")
		memPol   = flag.String("mem_policy", "lru", "memory removal policy")
		memMB    = flag.Int64("mem_mb", 8, "memory cache size in MB")
		selectA  = flag.String("select", store.SelectLeastLoad, "cache_dir selection: least-load | round-robin")
		workers  = flag.Int("io_workers", 0, "disk I/O threads (0 = auto)")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		inflight = flag.Int("inflight", 64, "max swap-ins in flight")

		keys    = flag.Int("keys", 100_000, "URL space size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		minBody = flag.Int("min_body", 512, "smallest object in bytes")
		maxBody = flag.Int("max_body", 64<<10, "largest object in bytes")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr; empty = disabled")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if *maxBody < *minBody || *minBody <= 0 {
		log.Fatalf("bad body size range [%d, %d]", *minBody, *maxBody)
	}

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Infof("pprof: serving at %s", *pprofAddr)
			log.Warn(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "objstore", "bench", nil)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infof("metrics: serving at %s", *metricsAddr)
			log.Warn(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	// ---- Build store ----
	parent := *root
	if parent == "" {
		tmp, err := os.MkdirTemp("", "storebench")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(tmp)
		parent = tmp
	}
	pool := diskio.New(diskio.Options{Workers: *workers, Logger: log})
	defer func() { _ = pool.Close() }()

	swapDirs := make([]store.SwapDir, *dirs)
	for i := range swapDirs {
		d, err := ufs.New(ufs.Options{
			Path:    fmt.Sprintf("%s/%02d", parent, i),
			Index:   i,
			MaxSize: *dirMB << 20,
			Policy:  *dirPol,
			IO:      pool,
			Logger:  log,
		})
		if err != nil {
			log.Fatal(err)
		}
		swapDirs[i] = d
	}
	c, err := store.New(store.Options{
		Dirs:       swapDirs,
		DirSelect:  *selectA,
		MemPolicy:  *memPol,
		MemMaxSize: *memMB << 20,
		Metrics:    metrics,
		Logger:     log,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Create(); err != nil {
		log.Fatal(err)
	}
	if err := c.Init(); err != nil {
		log.Fatal(err)
	}
	c.Sync()

	// ---- Load generation ----
	// The controller is single-threaded, so one loop issues requests and
	// reaps I/O completions in turn.
	r := rand.New(rand.NewSource(*seed))
	zipf := rand.NewZipf(r, *zipfS, *zipfV, uint64(*keys-1))
	body := make([]byte, *maxBody)
	r.Read(body)

	var (
		n       counters
		pending int
	)
	deadline := time.Now().Add(*duration)
	lastMaintain := time.Now()
	start := time.Now()
	for time.Now().Before(deadline) {
		for pending >= *inflight {
			select {
			case <-pool.Notify():
			case <-time.After(10 * time.Millisecond):
			}
			c.Callback()
		}
		c.Callback()
		if time.Since(lastMaintain) >= time.Second {
			c.Maintain()
			lastMaintain = time.Now()
		}

		n.requests++
		url := "http://bench/" + strconv.FormatUint(zipf.Uint64(), 10)
		key := store.PublicKey("GET", url)
		e := c.Find(key)
		if e == nil {
			n.misses++
			size := *minBody + r.Intn(*maxBody-*minBody+1)
			fill(c, key, body[:size])
			continue
		}
		n.hits++
		if m := e.Mem(); m != nil && e.StoreStatus == store.StoreOK {
			n.memHits++
			continue
		}
		c.Lock(e)
		e.OnUpdate(func(e *store.Entry) {
			pending--
			if e.Mem() == nil {
				n.swapInFailed++
			}
			c.Unlock(e)
		})
		if err := c.SwapIn(e); err != nil {
			n.swapInFailed++
			c.Unlock(e)
			continue
		}
		pending++
		n.swapIns++
	}
	c.Sync()
	elapsed := time.Since(start)

	// ---- Report ----
	hitRate := 0.0
	if n.requests > 0 {
		hitRate = float64(n.hits) / float64(n.requests) * 100
	}
	fmt.Printf("dirs=%d x %dMB select=%s keys=%d dur=%v seed=%d\n",
		*dirs, *dirMB, *selectA, *keys, elapsed, *seed)
	fmt.Printf("requests=%d (%.0f req/s)  hits=%d (mem %d)  misses=%d  hit-rate=%.2f%%\n",
		n.requests, float64(n.requests)/elapsed.Seconds(), n.hits, n.memHits, n.misses, hitRate)
	fmt.Printf("swap-ins=%d  failed=%d\n", n.swapIns, n.swapInFailed)
	c.Stat(os.Stdout)
}

// fill stores body under key the way a proxy stores a fetched response.
func fill(c *store.Controller, key store.Key, body []byte) {
	e := c.CreateEntry(0)
	defer c.Unlock(e)
	if err := c.MakePublic(e, key); err != nil {
		c.Abort(e)
		return
	}
	if err := c.Append(e, body); err != nil {
		c.Abort(e)
		return
	}
	c.Complete(e)
}
