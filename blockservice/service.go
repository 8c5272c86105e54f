// Package blockservice implements BlockService: the top-level process
// that owns the container map, dispatches the named wire commands,
// schedules fsyncs, and runs the block-to-block streaming and
// preserve-nodes background tasks.
package blockservice

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gholt/brimtext"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/compactor"
	"github.com/gholt/mckoiblock/container"
	"github.com/gholt/mckoiblock/rpcerr"
)

const (
	guidFileName     = "block_server_guid"
	accessListMax    = 32
	fsyncDelay       = 5 * time.Second
	preserveDelay    = 1 * time.Second
	compressedSuffix = ".mcd"
	tempCompressSfx  = ".tempc"
	incomingMutSfx   = ".tmpc1"
	incomingCompSfx  = ".tmpc2"
	preserveStageSfx = ".rew"
)

// LogFunc matches the logging shape used throughout this tree.
type LogFunc func(format string, v ...interface{})

// Config is built with the functional-options idiom, as every other
// component in this module.
type Config struct {
	NodeDirectory string
	Workers       int
	LogCritical   LogFunc
	LogError      LogFunc
	LogWarning    LogFunc
	LogInfo       LogFunc
	LogDebug      LogFunc
}

type config struct {
	nodeDirectory    string
	workers          int
	preserveMinAge   time.Duration
	preserveMinBytes int64
	logCritical      LogFunc
	logError         LogFunc
	logWarning       LogFunc
	logInfo          LogFunc
	logDebug         LogFunc
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("MCKOIBLOCK_WORKERS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.workers = v
		}
	}
	if cfg.workers <= 0 {
		cfg.workers = 4
	}
	cfg.preserveMinAge = 7 * 24 * time.Hour
	cfg.preserveMinBytes = 51200
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.nodeDirectory == "" {
		cfg.nodeDirectory = "."
	}
	if cfg.logCritical == nil {
		cfg.logCritical = func(format string, v ...interface{}) { fmt.Fprintf(os.Stderr, format, v...) }
	}
	if cfg.logError == nil {
		cfg.logError = cfg.logCritical
	}
	if cfg.logWarning == nil {
		cfg.logWarning = func(string, ...interface{}) {}
	}
	if cfg.logInfo == nil {
		cfg.logInfo = func(string, ...interface{}) {}
	}
	if cfg.logDebug == nil {
		cfg.logDebug = func(string, ...interface{}) {}
	}
	return cfg
}

// OptNodeDirectory sets the root directory holding block files.
func OptNodeDirectory(dir string) func(*config) {
	return func(cfg *config) { cfg.nodeDirectory = dir }
}

// OptWorkers bounds background task concurrency (replication streaming,
// availability-map stat calls). Defaults to env MCKOIBLOCK_WORKERS or 4.
func OptWorkers(n int) func(*config) {
	return func(cfg *config) { cfg.workers = n }
}

// OptPreserveMinAge overrides the preserve-rewrite age floor. Defaults
// to 7 days; see spec.md §9 Open Question 2 (kept as a configuration
// value rather than a hardcoded constant).
func OptPreserveMinAge(d time.Duration) func(*config) {
	return func(cfg *config) { cfg.preserveMinAge = d }
}

// OptPreserveMinBytes overrides the minimum disposed-byte count required
// before a preserve rewrite installs its result. Defaults to 51,200.
func OptPreserveMinBytes(n int64) func(*config) {
	return func(cfg *config) { cfg.preserveMinBytes = n }
}

// OptLogCritical sets the critical-severity log sink.
func OptLogCritical(fn LogFunc) func(*config) { return func(cfg *config) { cfg.logCritical = fn } }

// OptLogError sets the error-severity log sink.
func OptLogError(fn LogFunc) func(*config) { return func(cfg *config) { cfg.logError = fn } }

// OptLogWarning sets the warning-severity log sink.
func OptLogWarning(fn LogFunc) func(*config) { return func(cfg *config) { cfg.logWarning = fn } }

// OptLogInfo sets the info-severity log sink.
func OptLogInfo(fn LogFunc) func(*config) { return func(cfg *config) { cfg.logInfo = fn } }

// OptLogDebug sets the debug-severity log sink.
func OptLogDebug(fn LogFunc) func(*config) { return func(cfg *config) { cfg.logDebug = fn } }

// Peer is the service's view of another block server, used by the
// streaming replication task.
type Peer interface {
	SendBlockPart(block blockid.BlockID, pos int64, fileType int, buf []byte) error
	SendBlockComplete(block blockid.BlockID, fileType int) error
}

// ManagerNotifier is the external collaborator a real deployment
// satisfies with the manager/root protocol; sendBlockTo reports new
// block placements to every known manager after a successful copy.
type ManagerNotifier interface {
	InternalAddBlockServerMapping(block blockid.BlockID, destGUIDs []int64) error
}

// Service holds all block-service state described in spec.md §3 and
// dispatches the named commands of §4.F.
type Service struct {
	cfg *config

	serverGUID int64

	pathMu       sync.Mutex
	containerMap map[blockid.BlockID]*container.Container
	accessList   []blockid.BlockID // head = most recently used
	pendingSync  map[blockid.BlockID]bool

	maxKnownMu sync.Mutex
	maxKnownID map[byte]blockid.BlockID

	processMu  sync.Mutex
	processSeq int64

	uploadMu sync.Mutex
	staging  map[blockid.BlockID]*stagingUpload

	compactor *compactor.Compactor
	sem       *semaphore.Weighted

	manager ManagerNotifier
	peers   map[int64]Peer

	stopMu  sync.Mutex
	stopErr error

	stats stats
}

type stats struct {
	mu               sync.Mutex
	reads            int64
	writes           int64
	removes          int64
	fsyncs           int64
	bytesCompressed  int64
	bytesPreserved   int64
}

// New constructs a Service bound to cfg.NodeDirectory. Startup must be
// called before the service accepts requests.
func New(cfg Config, manager ManagerNotifier, opts ...func(*config)) *Service {
	all := []func(*config){OptNodeDirectory(cfg.NodeDirectory)}
	if cfg.Workers > 0 {
		all = append(all, OptWorkers(cfg.Workers))
	}
	all = append(all, opts...)
	if cfg.LogCritical != nil {
		all = append(all, OptLogCritical(cfg.LogCritical))
	}
	if cfg.LogError != nil {
		all = append(all, OptLogError(cfg.LogError))
	}
	if cfg.LogWarning != nil {
		all = append(all, OptLogWarning(cfg.LogWarning))
	}
	if cfg.LogInfo != nil {
		all = append(all, OptLogInfo(cfg.LogInfo))
	}
	if cfg.LogDebug != nil {
		all = append(all, OptLogDebug(cfg.LogDebug))
	}
	resolved := resolveConfig(all...)
	s := &Service{
		cfg:          resolved,
		containerMap: make(map[blockid.BlockID]*container.Container),
		pendingSync:  make(map[blockid.BlockID]bool),
		maxKnownID:   make(map[byte]blockid.BlockID),
		staging:      make(map[blockid.BlockID]*stagingUpload),
		sem:          semaphore.NewWeighted(int64(resolved.workers)),
		manager:      manager,
		peers:        make(map[int64]Peer),
	}
	return s
}

// RegisterPeer lets a caller supply a transport for a given server guid,
// used by the sendBlockTo replication task.
func (s *Service) RegisterPeer(guid int64, p Peer) {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	s.peers[guid] = p
}

// lookupPeer returns the transport registered for guid, if any.
func (s *Service) lookupPeer(guid int64) (Peer, bool) {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	p, ok := s.peers[guid]
	return p, ok
}

// managerNotifiers returns the configured manager as a single-element
// slice, or nil if no manager is wired up; sendBlockTo runs fine without
// one, it just skips the placement notification.
func (s *Service) managerNotifiers() []ManagerNotifier {
	if s.manager == nil {
		return nil
	}
	return []ManagerNotifier{s.manager}
}

func (s *Service) mutablePath(b blockid.BlockID) string {
	return filepath.Join(s.cfg.nodeDirectory, b.String())
}

func (s *Service) compressedPath(b blockid.BlockID) string {
	return filepath.Join(s.cfg.nodeDirectory, b.String()+compressedSuffix)
}

func (s *Service) tempCompressedPath(b blockid.BlockID) string {
	return filepath.Join(s.cfg.nodeDirectory, b.String()+tempCompressSfx)
}

func (s *Service) incomingPath(b blockid.BlockID, fileType int) string {
	if fileType == 1 {
		return filepath.Join(s.cfg.nodeDirectory, b.String()+incomingMutSfx)
	}
	return filepath.Join(s.cfg.nodeDirectory, b.String()+incomingCompSfx)
}

func (s *Service) preserveStagePath(b blockid.BlockID) string {
	return filepath.Join(s.cfg.nodeDirectory, b.String()+preserveStageSfx)
}

// MutablePath, CompressedPath, TempCompressedPath satisfy
// compactor.PathProvider.
func (s *Service) MutablePath(b blockid.BlockID) string       { return s.mutablePath(b) }
func (s *Service) CompressedPath(b blockid.BlockID) string    { return s.compressedPath(b) }
func (s *Service) TempCompressedPath(b blockid.BlockID) string { return s.tempCompressedPath(b) }

// MaxKnownBlockID satisfies compactor.MaxKnownBlockID.
func (s *Service) MaxKnownBlockID(managerKey byte) (blockid.BlockID, bool) {
	s.maxKnownMu.Lock()
	defer s.maxKnownMu.Unlock()
	id, ok := s.maxKnownID[managerKey]
	return id, ok
}

func (s *Service) opener(block blockid.BlockID) (blockstore.Store, error) {
	if _, err := os.Stat(s.compressedPath(block)); err == nil {
		return blockstore.NewCompressedStore(block, s.compressedPath(block)), nil
	}
	return blockstore.NewMutableStore(block, s.mutablePath(block)), nil
}

// Startup loads or creates the server guid, recovers on-disk blocks into
// the container map, and starts the compressor and fsync machinery.
func (s *Service) Startup() error {
	guid, err := s.loadOrCreateGUID()
	if err != nil {
		return err
	}
	s.serverGUID = guid

	entries, err := os.ReadDir(s.cfg.nodeDirectory)
	if err != nil {
		return rpcerr.New(rpcerr.KindIO, "startup:readdir", blockid.BlockID{}, err)
	}
	s.compactor = compactor.New(s, s, compactor.OptLogError(compactor.LogFunc(s.cfg.logError)), compactor.OptLogDebug(compactor.LogFunc(s.cfg.logDebug)))

	for _, entry := range entries {
		name := entry.Name()
		if name == guidFileName {
			continue
		}
		if strings.HasSuffix(name, tempCompressSfx) || strings.HasSuffix(name, incomingMutSfx) ||
			strings.HasSuffix(name, incomingCompSfx) || strings.HasSuffix(name, preserveStageSfx) {
			continue
		}
		base := strings.TrimSuffix(name, compressedSuffix)
		block, err := blockid.Parse(base)
		if err != nil {
			s.cfg.logWarning("startup: skipping unrecognized file %s: %s\n", name, err)
			continue
		}
		if _, exists := s.containerMap[block]; exists {
			continue
		}
		c := container.New(block, s.opener)
		s.containerMap[block] = c
		s.compactor.Add(compactor.Entry{Block: block, Container: c})
	}

	s.compactor.Start()
	return nil
}

// Shutdown stops the compressor and closes any containers still open.
func (s *Service) Shutdown() {
	if s.compactor != nil {
		s.compactor.Stop()
	}
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	for _, c := range s.containerMap {
		if c.IsOpen() {
			_ = c.Close()
		}
	}
	s.containerMap = make(map[blockid.BlockID]*container.Container)
	s.accessList = nil
}

func (s *Service) loadOrCreateGUID() (int64, error) {
	path := filepath.Join(s.cfg.nodeDirectory, guidFileName)
	buf, err := os.ReadFile(path)
	if err == nil {
		v, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64)
		if err != nil {
			return 0, rpcerr.New(rpcerr.KindCorrupt, "startup:guid", blockid.BlockID{}, err)
		}
		return v, nil
	}
	if !os.IsNotExist(err) {
		return 0, rpcerr.New(rpcerr.KindIO, "startup:guid", blockid.BlockID{}, err)
	}
	guid := (time.Now().UnixMilli() << 16) ^ int64(rand.Uint32()&0x0FFFFFFF)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(guid, 10)), 0o644); err != nil {
		return 0, rpcerr.New(rpcerr.KindIO, "startup:guid-write", blockid.BlockID{}, err)
	}
	return guid, nil
}

// checkStopState returns the latched fatal error, if any, per spec.md §5.
func (s *Service) checkStopState() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopErr != nil {
		return rpcerr.New(rpcerr.KindStopState, "stop-state", blockid.BlockID{}, s.stopErr)
	}
	return nil
}

// enterStopState latches a fatal error; every subsequent request fails
// fast until the service is restarted.
func (s *Service) enterStopState(err error) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopErr == nil {
		s.stopErr = err
		s.cfg.logCritical("block service entering stop state: %s\n", err)
	}
}

// fetch resolves or creates the container for block, promotes it to the
// head of the LRU access list, evicting the tail if the list overflows,
// and opens it. The caller must call (*container.Container).Close when
// done (close discipline lives in the command handlers).
func (s *Service) fetch(block blockid.BlockID) (*container.Container, error) {
	s.pathMu.Lock()
	c, ok := s.containerMap[block]
	if !ok {
		c = container.New(block, s.opener)
		s.containerMap[block] = c
	}
	isNew := !ok
	s.promote(block)
	var evicted *container.Container
	if len(s.accessList) > accessListMax {
		tail := s.accessList[len(s.accessList)-1]
		s.accessList = s.accessList[:len(s.accessList)-1]
		evicted = s.containerMap[tail]
	}
	s.pathMu.Unlock()

	if isNew && s.compactor != nil {
		s.compactor.Add(compactor.Entry{Block: block, Container: c})
	}
	if evicted != nil && evicted != c {
		_ = evicted.Close()
	}
	if _, err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

// promote moves block to the head of the access list, removing any
// existing occurrence. Must be called with pathMu held.
func (s *Service) promote(block blockid.BlockID) {
	for i, b := range s.accessList {
		if b == block {
			s.accessList = append(s.accessList[:i], s.accessList[i+1:]...)
			break
		}
	}
	s.accessList = append([]blockid.BlockID{block}, s.accessList...)
}

// scheduleFsync arranges for container to be fsynced 5 seconds from now,
// unless it is already pending.
func (s *Service) scheduleFsync(block blockid.BlockID, c *container.Container) {
	s.pathMu.Lock()
	if s.pendingSync[block] {
		s.pathMu.Unlock()
		return
	}
	s.pendingSync[block] = true
	s.pathMu.Unlock()

	time.AfterFunc(fsyncDelay, func() {
		s.pathMu.Lock()
		delete(s.pendingSync, block)
		s.pathMu.Unlock()
		if err := c.Store().Fsync(); err != nil {
			s.cfg.logError("fsync %s: %s\n", block, err)
		} else {
			s.stats.mu.Lock()
			s.stats.fsyncs++
			s.stats.mu.Unlock()
		}
	})
}

func (s *Service) nextProcessID() int64 {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	s.processSeq++
	return s.processSeq
}

// ServerGUID returns the persistent identity of this block service.
func (s *Service) ServerGUID() (int64, error) {
	if err := s.checkStopState(); err != nil {
		return 0, err
	}
	return s.serverGUID, nil
}

// Poll is the liveness command: the argument is ignored and the call
// succeeds unless the service is in its stop state.
func (s *Service) Poll(string) error {
	return s.checkStopState()
}

// NotifyCurrentBlockId updates the manager high-water mark used by the
// compressor's staticness check.
func (s *Service) NotifyCurrentBlockId(block blockid.BlockID) error {
	if err := s.checkStopState(); err != nil {
		return err
	}
	key := block.ManagerKey()
	s.maxKnownMu.Lock()
	defer s.maxKnownMu.Unlock()
	if cur, ok := s.maxKnownID[key]; !ok || cur.Less(block) {
		s.maxKnownID[key] = block
	}
	return nil
}

// BlockSetReport returns the server guid and a snapshot of on-disk block
// ids; spec.md §5 allows this to diverge briefly from the in-memory map.
func (s *Service) BlockSetReport() (int64, []blockid.BlockID, error) {
	if err := s.checkStopState(); err != nil {
		return 0, nil, err
	}
	entries, err := os.ReadDir(s.cfg.nodeDirectory)
	if err != nil {
		return 0, nil, rpcerr.New(rpcerr.KindIO, "blockSetReport", blockid.BlockID{}, err)
	}
	seen := make(map[blockid.BlockID]bool)
	var ids []blockid.BlockID
	for _, entry := range entries {
		name := entry.Name()
		if name == guidFileName || strings.HasSuffix(name, tempCompressSfx) ||
			strings.HasSuffix(name, incomingMutSfx) || strings.HasSuffix(name, incomingCompSfx) ||
			strings.HasSuffix(name, preserveStageSfx) {
			continue
		}
		base := strings.TrimSuffix(name, compressedSuffix)
		block, err := blockid.Parse(base)
		if err != nil {
			continue
		}
		if seen[block] {
			continue
		}
		seen[block] = true
		ids = append(ids, block)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return s.serverGUID, ids, nil
}

// CreateAvailabilityMapForBlocks returns one byte per input id: 1 if a
// block or compressed file for it exists on disk, 0 otherwise. The stat
// calls are independent per id, so they run concurrently bounded by the
// service's worker count.
func (s *Service) CreateAvailabilityMapForBlocks(ids []blockid.BlockID) ([]byte, error) {
	if err := s.checkStopState(); err != nil {
		return nil, err
	}
	out := make([]byte, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if _, err := os.Stat(s.mutablePath(id)); err == nil {
				out[i] = 1
				return nil
			}
			if _, err := os.Stat(s.compressedPath(id)); err == nil {
				out[i] = 1
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // the goroutines above never return an error
	return out, nil
}

// Stats renders a short summary, or a brimtext table when debug is true.
func (s *Service) Stats(debug bool) fmt.Stringer {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.pathMu.Lock()
	openContainers := len(s.accessList)
	s.pathMu.Unlock()
	st := &serviceStats{
		reads: s.stats.reads, writes: s.stats.writes, removes: s.stats.removes,
		fsyncs: s.stats.fsyncs, bytesCompressed: s.stats.bytesCompressed,
		bytesPreserved: s.stats.bytesPreserved, openContainers: openContainers, debug: debug,
	}
	s.stats.reads, s.stats.writes, s.stats.removes = 0, 0, 0
	s.stats.fsyncs, s.stats.bytesCompressed, s.stats.bytesPreserved = 0, 0, 0
	return st
}

type serviceStats struct {
	reads, writes, removes           int64
	fsyncs, bytesCompressed          int64
	bytesPreserved                   int64
	openContainers                   int
	debug                            bool
}

func (s *serviceStats) String() string {
	if !s.debug {
		return fmt.Sprintf("blockservice: reads=%d writes=%d open=%d", s.reads, s.writes, s.openContainers)
	}
	return brimtext.Align([][]string{
		{"reads", strconv.FormatInt(s.reads, 10)},
		{"writes", strconv.FormatInt(s.writes, 10)},
		{"removes", strconv.FormatInt(s.removes, 10)},
		{"fsyncs", strconv.FormatInt(s.fsyncs, 10)},
		{"bytes compressed", strconv.FormatInt(s.bytesCompressed, 10)},
		{"bytes preserved", strconv.FormatInt(s.bytesPreserved, 10)},
		{"open containers", strconv.Itoa(s.openContainers)},
	}, nil)
}
