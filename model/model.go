// Package model drives the synchronization of IMAP mailboxes.
//
// A Model owns a set of connections and schedules tasks on them. All task
// activation and response handling happens on a single goroutine: either
// Run, or the caller of ProcessEvents. Socket goroutines and the public
// methods only post closures to the model's queue.
//
// The public methods are safe to call from any goroutine. They return a
// Request which completes once the operation is done.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
	"github.com/emersion/go-imapsync/internal/imapwire"
	"github.com/emersion/go-imapsync/socket"
	"github.com/emersion/go-imapsync/tree"
)

// NetworkPolicy controls whether the model may open connections.
type NetworkPolicy int

const (
	NetworkOnline NetworkPolicy = iota
	NetworkOffline
)

// Options contains options for Model.
type Options struct {
	// SocketFactory opens connections to the server. Required.
	SocketFactory socket.Factory
	// Cache stores mailbox state between sessions. Defaults to an empty
	// in-memory cache.
	Cache cache.Cache

	// Credentials used when the server doesn't pre-authenticate the
	// connection.
	Username string
	Password string

	// NoopPeriod is the idle period after which a NOOP is sent. Zero
	// disables keep-alives.
	NoopPeriod time.Duration

	NetworkPolicy NetworkPolicy

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// Registerer receives the model metrics. Metrics aren't registered if
	// nil.
	Registerer prometheus.Registerer
}

// Model keeps the tree and the cache in sync with the server.
type Model struct {
	options Options
	logger  zerolog.Logger
	cache   cache.Cache
	tree    *tree.Tree
	metrics *metrics

	mutex  sync.Mutex
	queue  []func()
	notify chan struct{}

	// Only accessed from the model goroutine
	deferred    []func()
	conns       []*conn
	keeps       map[string]*keepMailboxOpenTask
	subscribers []func(Event)
	closed      bool
}

// New creates a model. No connection is opened until a request needs one.
func New(options *Options) (*Model, error) {
	if options == nil || options.SocketFactory == nil {
		return nil, fmt.Errorf("imapsync: missing socket factory")
	}

	m := &Model{
		options: *options,
		cache:   options.Cache,
		tree:    tree.New(),
		metrics: newMetrics(options.Registerer),
		notify:  make(chan struct{}, 1),
		keeps:   make(map[string]*keepMailboxOpenTask),
	}
	if options.Logger != nil {
		m.logger = *options.Logger
	} else {
		m.logger = zerolog.Nop()
	}
	if m.cache == nil {
		m.cache = cache.NewMemory()
	}
	return m, nil
}

// Tree returns the tree of mailboxes and messages.
func (m *Model) Tree() *tree.Tree {
	return m.tree
}

// Cache returns the cache the model writes to.
func (m *Model) Cache() cache.Cache {
	return m.cache
}

// post schedules fn on the model goroutine. Safe from any goroutine.
func (m *Model) post(fn func()) {
	m.mutex.Lock()
	m.queue = append(m.queue, fn)
	m.mutex.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// later schedules fn after the current event. Only from the model
// goroutine.
func (m *Model) later(fn func()) {
	m.deferred = append(m.deferred, fn)
}

func (m *Model) takeQueue() []func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	queue := m.queue
	m.queue = nil
	return queue
}

func (m *Model) runLater() {
	for len(m.deferred) > 0 {
		fn := m.deferred[0]
		m.deferred = m.deferred[1:]
		fn()
	}
}

// ProcessEvents handles pending events until the queue is empty, then
// returns. It must not be called concurrently with itself or with Run.
func (m *Model) ProcessEvents() {
	for {
		queue := m.takeQueue()
		if len(queue) == 0 && len(m.deferred) == 0 {
			return
		}
		for _, fn := range queue {
			fn()
			m.runLater()
		}
		m.runLater()
	}
}

// Run handles events until the context is cancelled.
func (m *Model) Run(ctx context.Context) error {
	for {
		m.ProcessEvents()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Model) submit(fn func(req *Request)) *Request {
	req := newRequest()
	m.post(func() {
		if m.closed {
			req.complete(ErrClosed)
			return
		}
		fn(req)
	})
	return req
}

// ensureMailbox makes sure the tree has a node for a mailbox, adding it
// below the root if it was never listed.
func (m *Model) ensureMailbox(name string) {
	if _, ok := m.tree.FindMailbox(name); ok {
		return
	}
	if _, err := m.tree.AddMailbox("", imapsync.MailboxMetadata{Name: name}); err != nil {
		m.logger.Warn().Err(err).Str("mailbox", name).Msg("Failed to add mailbox to tree")
		return
	}
	m.emit(TreeChanged{Node: tree.Root})
}

// OpenMailbox selects a mailbox and synchronizes it. The mailbox is kept
// open afterwards, so that live updates are picked up, until another
// mailbox is opened.
func (m *Model) OpenMailbox(name string) *Request {
	return m.submit(func(req *Request) {
		name = imapsync.CanonicalMailboxName(name)
		m.ensureMailbox(name)
		if k := m.keeps[name]; k != nil {
			k.waitSynced(req)
			return
		}
		k := m.openKeep(name)
		k.pendingSync.addRequest(req)
	})
}

// ResyncMailbox synchronizes a mailbox again, even if it is already open.
func (m *Model) ResyncMailbox(name string) *Request {
	return m.submit(func(req *Request) {
		name = imapsync.CanonicalMailboxName(name)
		m.ensureMailbox(name)
		k := m.keeps[name]
		if k == nil {
			k = m.openKeep(name)
		} else if k.pendingSync == nil {
			k.resync()
		}
		k.pendingSync.addRequest(req)
	})
}

// ListMailboxes lists the child mailboxes of a mailbox. The empty name lists
// the top level. Cached children are put in the tree right away.
func (m *Model) ListMailboxes(parent string) *Request {
	return m.submit(func(req *Request) {
		parent = imapsync.CanonicalMailboxName(parent)
		if parent != "" {
			m.ensureMailbox(parent)
		}
		m.loadCachedMailboxes(parent)

		t := newListChildMailboxesTask(m, parent)
		t.addRequest(req)
		m.runWithAnyConnection(t)
	})
}

func (m *Model) loadCachedMailboxes(parent string) {
	id, ok := m.tree.FindMailbox(parent)
	if !ok {
		return
	}
	if n, _ := m.tree.Node(id); n.Status == tree.Loaded {
		return
	}
	children, err := m.cache.ChildMailboxes(parent)
	if err != nil {
		m.logger.Warn().Err(err).Str("mailbox", parent).Msg("Failed to read cached mailboxes")
		return
	}
	if len(children) == 0 {
		return
	}
	if err := m.tree.SetMailboxes(parent, children); err != nil {
		return
	}
	m.emit(TreeChanged{Node: id})
}

// FetchMessageMetadata fetches the envelope, body structure and size of a
// message. Cached metadata is used when available.
func (m *Model) FetchMessageMetadata(mailbox string, uid imapsync.UID) *Request {
	return m.submit(func(req *Request) {
		mailbox = imapsync.CanonicalMailboxName(mailbox)
		m.ensureMailbox(mailbox)

		data, err := m.cache.MessageMetadata(mailbox, uid)
		if err != nil {
			req.complete(fmt.Errorf("reading cached metadata: %w", err))
			return
		}
		if !data.IsZero() {
			id, ok := m.tree.FindMessage(mailbox, uid)
			if n, _ := m.tree.Node(id); ok && n.Status != tree.Loaded {
				if err := m.applyMetadata(mailbox, &data); err != nil {
					m.logger.Debug().Err(err).Str("mailbox", mailbox).Uint32("uid", uint32(uid)).Msg("Cached metadata not applied")
				}
			}
			req.complete(nil)
			return
		}

		t := newFetchMsgMetadataTask(m, mailbox, uid)
		t.addRequest(req)
		m.keepFor(mailbox).enqueue(t)
	})
}

// FetchMessagePart fetches the body of a message part, identified by its
// IMAP part specifier. Cached parts are used when available.
func (m *Model) FetchMessagePart(mailbox string, uid imapsync.UID, part string) *Request {
	return m.submit(func(req *Request) {
		if !imapwire.ValidSection(part) {
			req.complete(fmt.Errorf("imapsync: invalid part specifier %q", part))
			return
		}
		mailbox = imapsync.CanonicalMailboxName(mailbox)
		m.ensureMailbox(mailbox)

		data, err := m.cache.MessagePart(mailbox, uid, part)
		if err != nil {
			req.complete(fmt.Errorf("reading cached part: %w", err))
			return
		}
		if data != nil {
			if id, ok := m.tree.FindPart(mailbox, uid, part); ok {
				m.emitTreeChanged(id, m.tree.SetStatus(id, tree.Loaded))
			}
			req.complete(nil)
			return
		}

		t := newFetchMsgPartTask(m, mailbox, uid, part)
		t.addRequest(req)
		m.keepFor(mailbox).enqueue(t)
	})
}

// DecodedPart returns the cached body of a part with its transfer encoding
// removed and its text converted to UTF-8. The part and the message metadata
// must have been fetched.
func (m *Model) DecodedPart(mailbox string, uid imapsync.UID, part string) ([]byte, error) {
	mailbox = imapsync.CanonicalMailboxName(mailbox)
	data, err := m.cache.MessageMetadata(mailbox, uid)
	if err != nil {
		return nil, err
	}
	bs, err := data.BodyStructure()
	if err != nil {
		return nil, err
	} else if bs == nil {
		return nil, fmt.Errorf("imapsync: no body structure cached for UID %v in %q", uid, mailbox)
	}
	partBS := bs.Part(part)
	if partBS == nil {
		return nil, fmt.Errorf("imapsync: no part %v in UID %v", part, uid)
	}
	raw, err := m.cache.MessagePart(mailbox, uid, part)
	if err != nil {
		return nil, err
	} else if raw == nil {
		return nil, fmt.Errorf("imapsync: part %v of UID %v not fetched", part, uid)
	}
	return imapsync.DecodePart(partBS, raw)
}

// FlagOp is an operation on message flags.
type FlagOp int

const (
	FlagsSet FlagOp = iota
	FlagsAdd
	FlagsRemove
)

// SetFlags changes the flags of a message.
func (m *Model) SetFlags(mailbox string, uid imapsync.UID, op FlagOp, flags []imapsync.Flag) *Request {
	return m.submit(func(req *Request) {
		mailbox = imapsync.CanonicalMailboxName(mailbox)
		m.ensureMailbox(mailbox)
		t := newUpdateFlagsTask(m, mailbox, uid, op, flags)
		t.addRequest(req)
		m.keepFor(mailbox).enqueue(t)
	})
}

// Close aborts every task and logs out of every connection.
func (m *Model) Close() *Request {
	req := newRequest()
	m.post(func() {
		if m.closed {
			req.complete(nil)
			return
		}
		m.closed = true
		for _, c := range append([]*conn(nil), m.conns...) {
			c.logout(ErrClosed)
		}
		req.complete(nil)
	})
	return req
}
