// Package compactor implements BackgroundCompressor: the single
// long-running task that rewrites known-static blocks from the Mutable
// file format into the Compressed one and swaps the owning container
// over to it.
package compactor

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/container"
)

// LogFunc matches the block service's logging shape so every component
// in the tree logs the same way.
type LogFunc func(format string, v ...interface{})

type config struct {
	staticAge       time.Duration
	sleepBetween    time.Duration
	sleepPerSweep   time.Duration
	deleteGrace     time.Duration
	logCritical     LogFunc
	logError        LogFunc
	logDebug        LogFunc
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("MCKOIBLOCK_COMPACTOR_STATICAGE_SECONDS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.staticAge = time.Duration(v) * time.Second
		}
	}
	if cfg.staticAge <= 0 {
		cfg.staticAge = 3 * time.Minute
	}
	cfg.sleepBetween = 200 * time.Millisecond
	cfg.sleepPerSweep = 3 * time.Second
	cfg.deleteGrace = 5 * time.Minute
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logCritical == nil {
		cfg.logCritical = func(string, ...interface{}) {}
	}
	if cfg.logError == nil {
		cfg.logError = func(string, ...interface{}) {}
	}
	if cfg.logDebug == nil {
		cfg.logDebug = func(string, ...interface{}) {}
	}
	return cfg
}

// OptStaticAge overrides the known-static write-quiescence window.
// Defaults to env MCKOIBLOCK_COMPACTOR_STATICAGE_SECONDS or 3 minutes.
func OptStaticAge(d time.Duration) func(*config) {
	return func(cfg *config) { cfg.staticAge = d }
}

// OptLogCritical sets the critical-severity log sink.
func OptLogCritical(fn LogFunc) func(*config) {
	return func(cfg *config) { cfg.logCritical = fn }
}

// OptLogError sets the error-severity log sink.
func OptLogError(fn LogFunc) func(*config) {
	return func(cfg *config) { cfg.logError = fn }
}

// OptLogDebug sets the debug-severity log sink.
func OptLogDebug(fn LogFunc) func(*config) {
	return func(cfg *config) { cfg.logDebug = fn }
}

// Entry is one container awaiting the compressor's evaluation.
type Entry struct {
	Block     blockid.BlockID
	Container *container.Container
}

// MaxKnownBlockID reports the manager high-water mark the service has
// observed via notifyCurrentBlockId, used to decide staticness.
type MaxKnownBlockID interface {
	MaxKnownBlockID(managerKey byte) (blockid.BlockID, bool)
}

// PathProvider resolves the mutable/compressed file paths for a block,
// so the compressor doesn't need to know the node directory layout.
type PathProvider interface {
	MutablePath(block blockid.BlockID) string
	CompressedPath(block blockid.BlockID) string
	TempCompressedPath(block blockid.BlockID) string
}

// Compactor drains a hand-off queue of newly-seen containers and
// compresses the ones that qualify.
type Compactor struct {
	cfg    *config
	maxIDs MaxKnownBlockID
	paths  PathProvider

	addMu   sync.Mutex
	addList []Entry

	stop chan struct{}
	done chan struct{}
}

// New constructs a Compactor. Start must be called to begin the
// background loop.
func New(maxIDs MaxKnownBlockID, paths PathProvider, opts ...func(*config)) *Compactor {
	return &Compactor{
		cfg:    resolveConfig(opts...),
		maxIDs: maxIDs,
		paths:  paths,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Add pushes a container onto the compression_add_list; safe for
// concurrent use.
func (c *Compactor) Add(e Entry) {
	c.addMu.Lock()
	c.addList = append(c.addList, e)
	c.addMu.Unlock()
}

func (c *Compactor) drain() []Entry {
	c.addMu.Lock()
	defer c.addMu.Unlock()
	if len(c.addList) == 0 {
		return nil
	}
	out := c.addList
	c.addList = nil
	seen := make(map[blockid.BlockID]bool, len(out))
	dedup := out[:0]
	for _, e := range out {
		if seen[e.Block] {
			continue
		}
		seen[e.Block] = true
		dedup = append(dedup, e)
	}
	sort.Slice(dedup, func(i, j int) bool { return dedup[i].Block.Less(dedup[j].Block) })
	return dedup
}

// Start runs the compressor loop in a new goroutine.
func (c *Compactor) Start() {
	go c.run()
}

// Stop signals the loop to terminate and waits for it to exit.
func (c *Compactor) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Compactor) run() {
	defer close(c.done)
	working := c.drain()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if len(working) == 0 {
			working = c.drain()
			if len(working) == 0 {
				if !c.sleep(c.cfg.sleepPerSweep) {
					return
				}
				continue
			}
		}
		e := working[0]
		working = working[1:]
		if err := c.evaluate(e); err != nil {
			c.cfg.logError("compactor: %s: %s\n", e.Block, err)
		}
		if !c.sleep(c.cfg.sleepBetween) {
			return
		}
	}
}

func (c *Compactor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stop:
		return false
	case <-t.C:
		return true
	}
}

// evaluate applies is_known_static and, if it qualifies, compresses and
// swaps the container's store.
func (c *Compactor) evaluate(e Entry) error {
	if e.Container.IsCompressed() {
		return nil
	}
	if !c.isKnownStatic(e) {
		return nil
	}
	return c.compress(e)
}

// isKnownStatic implements spec.md's is_known_static: old enough and
// strictly below the manager's latest reported block id. When false, it
// touches last_write so the age check is amortized to once per window
// rather than re-evaluated on every sweep.
func (c *Compactor) isKnownStatic(e Entry) bool {
	maxID, ok := c.maxIDs.MaxKnownBlockID(e.Block.ManagerKey())
	if !ok || !e.Block.Less(maxID) || time.Since(e.Container.LastWrite()) < c.cfg.staticAge {
		e.Container.TouchLastWrite()
		return false
	}
	return true
}

func (c *Compactor) compress(e Entry) error {
	if _, err := e.Container.Open(); err != nil {
		return err
	}
	defer e.Container.Close()

	store := e.Container.Store()
	mutable, ok := store.(*blockstore.MutableStore)
	if !ok {
		return fmt.Errorf("container for %s is not backed by a mutable store", e.Block)
	}
	tempPath := c.paths.TempCompressedPath(e.Block)
	if err := blockstore.Compress(e.Block, mutable, tempPath); err != nil {
		return err
	}
	finalPath := c.paths.CompressedPath(e.Block)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return err
	}
	newStore := blockstore.NewCompressedStore(e.Block, finalPath)
	if err := e.Container.ChangeStore(newStore); err != nil {
		return err
	}
	mutablePath := c.paths.MutablePath(e.Block)
	c.scheduleDelete(mutablePath)
	c.cfg.logDebug("compactor: compressed %s\n", e.Block)
	return nil
}

func (c *Compactor) scheduleDelete(path string) {
	time.AfterFunc(c.cfg.deleteGrace, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.cfg.logError("compactor: delete %s: %s\n", path, err)
		}
	})
}
