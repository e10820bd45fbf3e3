// Package namespace implements the hierarchical metadata engine: an id
// indexed tree of containers and files rebuilt from record backends, with
// master/slave replication, online compaction and quota accounting.
//
// A Namespace owns two services that persist to separate backends with
// independent id spaces:
//
//	ContainerService -> containers log (directories)
//	FileService      -> files log      (leaves)
//
// Both services share a single tree lock. Queries take the read lock,
// writes, follower commits and compaction commits take the write lock.
// Listeners are called synchronously with the write lock held.
package namespace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/internal/ratelimiter"
	"github.com/marmos91/dittomd/pkg/changelog"
	"github.com/marmos91/dittomd/pkg/metadata"
	"github.com/marmos91/dittomd/pkg/metrics"
)

// Service names used in logs and metrics.
const (
	ContainersService = "containers"
	FilesService      = "files"
)

// Options configures a Namespace.
type Options struct {
	// Containers configures the container service
	Containers Config

	// Files configures the file service
	Files Config

	// Quota receives quota accounting (optional)
	Quota metadata.QuotaSink

	// Metrics records namespace metrics (optional)
	Metrics metrics.NamespaceMetrics

	// Limiter throttles compaction copying (default: unlimited)
	Limiter *ratelimiter.RateLimiter

	// ContainerOpener overrides the backend selected by Containers.Backend
	ContainerOpener metadata.Opener

	// FileOpener overrides the backend selected by Files.Backend
	FileOpener metadata.Opener
}

// Namespace is the context object tying both services together.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Namespace struct {
	mu           sync.RWMutex
	transitionMu sync.Mutex

	containers *ContainerService
	files      *FileService

	quota   metadata.QuotaSink
	metrics metrics.NamespaceMetrics
	limiter *ratelimiter.RateLimiter

	containerListeners []metadata.ContainerListener
	fileListeners      []metadata.FileListener

	initialized   bool
	closed        bool
	stopCh        chan struct{}
	rebootPending atomic.Bool
}

// New creates a namespace. Call Initialize to open the backends and
// rebuild the tree.
func New(opts Options) (*Namespace, error) {
	for _, cfg := range []*Config{&opts.Containers, &opts.Files} {
		cfg.normalize()
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}

	if opts.Containers.ChangelogPath == opts.Files.ChangelogPath {
		return nil, metadata.NewError(metadata.ErrInvalidArgument,
			"containers and files must use different changelog paths")
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoopNamespaceMetrics()
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimiter.New(0, 0)
	}

	ns := &Namespace{
		quota:   opts.Quota,
		metrics: m,
		limiter: limiter,
		stopCh:  make(chan struct{}),
	}

	containerOpener := opts.ContainerOpener
	if containerOpener == nil {
		containerOpener = opts.Containers.openerFor(changelog.ContainerLog)
	}
	fileOpener := opts.FileOpener
	if fileOpener == nil {
		fileOpener = opts.Files.openerFor(changelog.FileLog)
	}

	ns.containers = newContainerService(ns, opts.Containers, containerOpener)
	ns.files = newFileService(ns, opts.Files, fileOpener)
	return ns, nil
}

// AddContainerListener registers a container listener. Listeners must be
// registered before Initialize to observe the boot Loaded events.
func (ns *Namespace) AddContainerListener(l metadata.ContainerListener) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.containerListeners = append(ns.containerListeners, l)
}

// AddFileListener registers a file listener.
func (ns *Namespace) AddFileListener(l metadata.FileListener) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.fileListeners = append(ns.fileListeners, l)
}

// Initialize opens both backends, rebuilds the tree and, on slaves, starts
// the replication followers.
func (ns *Namespace) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns.mu.Lock()
	if ns.initialized {
		ns.mu.Unlock()
		return metadata.NewError(metadata.ErrInvalidArgument, "namespace already initialized")
	}

	if err := ns.containers.initialize(); err != nil {
		ns.mu.Unlock()
		return err
	}
	if err := ns.files.initialize(); err != nil {
		_ = ns.containers.close()
		ns.mu.Unlock()
		return err
	}
	ns.initialized = true
	ns.mu.Unlock()

	logger.Info("Namespace initialized: containers=%d files=%d slave=%v",
		ns.containers.NumContainers(), ns.files.NumFiles(), ns.IsSlave())

	ns.transitionMu.Lock()
	defer ns.transitionMu.Unlock()
	if ns.containers.slave {
		ns.containers.startFollower()
	}
	if ns.files.slave {
		ns.files.startFollower()
	}
	return nil
}

// Containers returns the container service.
func (ns *Namespace) Containers() *ContainerService {
	return ns.containers
}

// Files returns the file service.
func (ns *Namespace) Files() *FileService {
	return ns.files
}

// IsSlave reports whether the namespace follows a master.
func (ns *Namespace) IsSlave() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.containers.slave || ns.files.slave
}

// SetCompactionRate changes how many records per second compaction copies.
// Zero removes the limit. A run in progress picks up the new rate.
func (ns *Namespace) SetCompactionRate(recordsPerSecond uint) {
	ns.limiter.SetLimit(recordsPerSecond)
}

// CompactionRate returns the compaction copy rate, 0 when unlimited.
func (ns *Namespace) CompactionRate() uint {
	return ns.limiter.Limit()
}

// Warnings returns the auto-repair and recovery warnings of both services.
func (ns *Namespace) Warnings() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []string
	out = append(out, ns.containers.warnings()...)
	out = append(out, ns.files.warnings()...)
	return out
}

// Close stops the followers and closes both backends.
func (ns *Namespace) Close() error {
	ns.transitionMu.Lock()
	defer ns.transitionMu.Unlock()

	ns.files.stopFollower()
	ns.containers.stopFollower()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil
	}
	ns.closed = true
	close(ns.stopCh)

	return errors.Join(ns.files.close(), ns.containers.close())
}

func (ns *Namespace) notifyContainer(node *metadata.ContainerNode, action metadata.Action) {
	for _, l := range ns.containerListeners {
		l.ContainerChanged(node, action)
	}
}

func (ns *Namespace) notifyFile(event metadata.FileEvent) {
	for _, l := range ns.fileListeners {
		l.FileChanged(event)
	}
}
