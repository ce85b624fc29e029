package rebind

import (
	"errors"
	"sync"

	"github.com/apex/log"
)

// ErrNoMemory is returned when a rebinding can't be registered because
// there's no space left to copy it.
var ErrNoMemory = errors.New("rebind: out of memory")

// Rebinding asks for calls to the symbol Name to go to Replacement instead.
type Rebinding struct {
	// Name is the symbol name as it's written in C, without the leading
	// underscore the compiler adds (e.g. "open", not "_open").
	Name string

	// Replacement is the address written into each matching symbol
	// pointer.
	Replacement uintptr

	// Replaced, if not nil, receives the value of a symbol pointer before
	// it was replaced. See the package documentation for caveats.
	Replaced *uintptr
}

// Rebinder holds a set of rebindings and applies them to images.
//
// Rebindings are never forgotten: each call to Rebind adds to the set, and
// every image loaded afterwards has the whole set applied to it. When two
// rebindings share a name, the one registered last wins.
type Rebinder struct {
	loader    Loader
	logger    log.Interface
	arenaSize int

	mu         sync.Mutex
	head       *entry
	names      nameStore
	subscribed bool

	// walkMu serializes writes to symbol pointers. It's only held while
	// walking memory, never while calling the loader.
	walkMu sync.Mutex
}

// Option configures a Rebinder.
type Option func(*Rebinder)

// WithLoader sets the loader used to find images. The default is the
// platform's dynamic loader.
func WithLoader(l Loader) Option {
	return func(r *Rebinder) {
		r.loader = l
	}
}

// WithLogger sets where debug messages go. The default is apex/log's
// package-level logger.
func WithLogger(l log.Interface) Option {
	return func(r *Rebinder) {
		r.logger = l
	}
}

// WithArenaSize sets the initial size, in bytes, of the arena that holds
// copies of rebinding names.
func WithArenaSize(size int) Option {
	return func(r *Rebinder) {
		r.arenaSize = size
	}
}

// New returns a Rebinder with no rebindings.
func New(opts ...Option) *Rebinder {
	r := &Rebinder{
		logger: log.Log,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.loader == nil {
		r.loader = platformLoader()
	}
	if r.names == nil {
		r.names = newNameStore(r.arenaSize)
	}
	return r
}

// Rebind adds rebindings to the set and applies the set to every loaded
// image, and to every image loaded from now on.
//
// The first call hands the work to the loader, which replays the images it
// already has before returning. Later calls walk the loaded images
// themselves.
//
// The rebindings slice is copied and may be reused once Rebind returns.
func (r *Rebinder) Rebind(rebindings ...Rebinding) error {
	r.mu.Lock()
	head, err := prepend(r.names, r.head, rebindings)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.head = head
	first := !r.subscribed
	r.subscribed = true
	r.mu.Unlock()

	if first {
		r.loader.Subscribe(r.imageAdded)
		return nil
	}

	for _, img := range r.loader.Images() {
		r.rebindImage(head, img)
	}
	return nil
}

// RebindImage applies rebindings to a single image. It neither uses nor
// changes the rebindings registered with Rebind.
func (r *Rebinder) RebindImage(img Image, rebindings ...Rebinding) error {
	r.mu.Lock()
	chain, err := prepend(r.names, nil, rebindings)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		r.mu.Lock()
		release(r.names, chain)
		r.mu.Unlock()
	}()

	r.rebindImage(chain, img)
	return nil
}

// imageAdded is the loader callback.
func (r *Rebinder) imageAdded(img Image) {
	r.mu.Lock()
	head := r.head
	r.mu.Unlock()

	r.rebindImage(head, img)
}

// rebindImage applies chain to img and returns the number of symbol
// pointers it rewrote. Nothing about img is an error; anything that can't be
// rebound is skipped.
func (r *Rebinder) rebindImage(chain *entry, img Image) int {
	logger := r.logger.WithField("image", img.String())

	if !r.loader.Known(img.Header) {
		logger.Debug("skipping image unknown to the loader")
		return 0
	}

	t, err := resolveImage(img, r.logger)
	if err != nil {
		logger.Debugf("skipping image: %v", err)
		return 0
	}

	r.walkMu.Lock()
	defer r.walkMu.Unlock()

	return rebindTables(chain, t, img, r.logger)
}

var (
	defaultOnce     sync.Once
	defaultRebinder *Rebinder
)

// Default returns the Rebinder used by the package-level functions. It uses
// the platform's dynamic loader.
func Default() *Rebinder {
	defaultOnce.Do(func() {
		defaultRebinder = New()
	})
	return defaultRebinder
}

// Rebind calls Default().Rebind.
func Rebind(rebindings ...Rebinding) error {
	return Default().Rebind(rebindings...)
}

// RebindImage calls Default().RebindImage.
func RebindImage(img Image, rebindings ...Rebinding) error {
	return Default().RebindImage(img, rebindings...)
}
