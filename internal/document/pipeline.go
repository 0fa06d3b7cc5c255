package document

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/twelf-lsp/internal/twelf"
	"github.com/woxQAQ/twelf-lsp/pkg/protocol"
)

// Parser runs the guest over a full document text.
type Parser interface {
	Parse(ctx context.Context, text string) (*twelf.ParseResult, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, text string) (*twelf.ParseResult, error)

func (f ParserFunc) Parse(ctx context.Context, text string) (*twelf.ParseResult, error) {
	return f(ctx, text)
}

// Publisher receives the diagnostics of one document.
type Publisher func(protocol.PublishDiagnosticsParams)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxProblems bounds the diagnostics published per document.
func WithMaxProblems(n int) Option {
	return func(p *Pipeline) {
		p.maxProblems = n
	}
}

// task is either a document to parse or, with an empty uri, a barrier.
type task struct {
	uri  string
	done chan struct{}
}

// Pipeline re-parses documents as they change. A single worker drains a
// queue of URIs; a URI queued more than once is parsed once, with the
// latest text. Every parse, including Check, holds parseMu so the guest
// never sees two calls at a time.
type Pipeline struct {
	store       *Store
	parser      Parser
	publish     Publisher
	maxProblems int
	logger      *zap.Logger

	parseMu sync.Mutex
	// Digest of the last text parsed per URI. Guarded by parseMu.
	parsed map[string]uint64

	mu      sync.Mutex
	queue   []task
	pending map[string]bool
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline starts a pipeline worker. Shutdown stops it.
func NewPipeline(parser Parser, publish Publisher, logger *zap.Logger, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		store:   NewStore(),
		parser:  parser,
		publish: publish,
		logger:  logger.With(zap.String("component", "document-pipeline")),
		parsed:  make(map[string]uint64),
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.run()
	return p
}

// Store returns the open documents.
func (p *Pipeline) Store() *Store {
	return p.store
}

// Open records a document and schedules its first parse.
func (p *Pipeline) Open(uri string, version int32, text string) error {
	if p.isClosed() {
		return ErrPipelineClosed
	}
	p.store.Open(uri, version, text)
	return p.enqueue(task{uri: uri})
}

// Change replaces a document's text and schedules a parse.
func (p *Pipeline) Change(uri string, version int32, text string) error {
	if p.isClosed() {
		return ErrPipelineClosed
	}
	if _, err := p.store.Update(uri, version, text); err != nil {
		return err
	}
	return p.enqueue(task{uri: uri})
}

// Close forgets a document and publishes an empty diagnostic set for it.
func (p *Pipeline) Close(uri string) error {
	p.parseMu.Lock()
	defer p.parseMu.Unlock()

	if !p.store.Close(uri) {
		return &DocumentNotOpenError{URI: uri}
	}
	delete(p.parsed, uri)

	p.publish(protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// Check parses text synchronously without touching the open documents.
func (p *Pipeline) Check(ctx context.Context, uri, text string) (protocol.PublishDiagnosticsParams, error) {
	p.parseMu.Lock()
	defer p.parseMu.Unlock()

	params := protocol.PublishDiagnosticsParams{URI: uri}

	result, err := p.parser.Parse(ctx, text)
	if err != nil {
		return params, err
	}

	params.Diagnostics = Diagnostics(result, p.maxProblems)
	return params, nil
}

// Flush waits until everything queued before the call has been processed.
func (p *Pipeline) Flush(ctx context.Context) error {
	barrier := task{done: make(chan struct{})}
	if err := p.enqueue(barrier); err != nil {
		return err
	}

	select {
	case <-barrier.done:
		return nil
	case <-p.done:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker, abandoning queued parses. An in-flight parse
// sees its context cancelled.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) enqueue(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	if t.uri != "" {
		if p.pending[t.uri] {
			return nil
		}
		p.pending[t.uri] = true
	}
	p.queue = append(p.queue, t)

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipeline) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return task{}, false
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.pending, t.uri)
	return t, true
}

func (p *Pipeline) run() {
	defer close(p.done)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}

		for {
			if p.ctx.Err() != nil {
				return
			}
			t, ok := p.next()
			if !ok {
				break
			}
			if t.uri == "" {
				close(t.done)
				continue
			}
			p.process(t.uri)
		}
	}
}

func (p *Pipeline) process(uri string) {
	p.parseMu.Lock()
	defer p.parseMu.Unlock()

	// Closed since it was queued.
	doc, ok := p.store.Get(uri)
	if !ok {
		return
	}

	if digest, ok := p.parsed[uri]; ok && digest == doc.Digest {
		p.logger.Debug("Document unchanged, skipping parse",
			zap.String("uri", uri),
			zap.Int32("version", doc.Version),
		)
		return
	}

	params := protocol.PublishDiagnosticsParams{
		URI:     uri,
		Version: doc.Version,
	}

	result, err := p.parser.Parse(p.ctx, doc.Text)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Error("Parse failed",
			zap.String("uri", uri),
			zap.Int32("version", doc.Version),
			zap.Error(err),
		)
		params.Diagnostics = ErrorDiagnostics(err)
		p.publish(params)
		return
	}

	p.parsed[uri] = doc.Digest
	params.Diagnostics = Diagnostics(result, p.maxProblems)

	p.logger.Debug("Document parsed",
		zap.String("uri", uri),
		zap.Int32("version", doc.Version),
		zap.Stringer("status", result.Status),
		zap.Int("diagnostics", len(params.Diagnostics)),
	)

	p.publish(params)
}
