// Package rabbithole ingests documents into declarative memory: gate,
// parse, split, score, embed, store. Files, URLs, and raw text all fall
// down the same hole; hooks can steer or veto each stage.
package rabbithole

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/straycat-ai/straycat/internal/events"
	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/httpkit"
	"github.com/straycat-ai/straycat/internal/memory"
)

// Status is the terminal disposition of one ingestion unit.
type Status string

const (
	// StatusStored means every surviving chunk was stored.
	StatusStored Status = "stored"
	// StatusPartial means some chunks stored and some failed.
	StatusPartial Status = "partially-stored"
	// StatusSkipped means a gate hook vetoed the unit, or every chunk
	// fell below the quality threshold or was removed by hooks.
	StatusSkipped Status = "skipped"
	// StatusFailed means the unit could not be parsed or nothing could
	// be stored.
	StatusFailed Status = "failed"
)

const (
	fetchTimeout  = 30 * time.Second
	fetchMaxBytes = 10 * 1024 * 1024
)

// Document is one ingestion unit on its way down the hole.
type Document struct {
	// Source names the unit: file name, URL, or "inline".
	Source string
	// ContentType is the declared MIME type; empty means judge by the
	// source extension.
	ContentType string
	Data        []byte
	Metadata    map[string]any
}

// Chunk is one splitter output with its provisional quality score.
// Hooks at after_rabbit_hole_splitted_text may rewrite text, scores,
// or the whole list.
type Chunk struct {
	Text     string
	Index    int
	Quality  float64
	Metadata map[string]any
}

// Result reports what happened to one ingestion unit.
type Result struct {
	Status  Status   `json:"status"`
	Source  string   `json:"source"`
	Stored  int      `json:"stored"`
	Dropped int      `json:"dropped"`
	Failed  int      `json:"failed"`
	Reason  string   `json:"reason,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// Options tune the ingestion pipeline.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// QualityThreshold drops chunks scoring below it. Zero keeps
	// everything.
	QualityThreshold float64
	// Parsers overrides the built-in parser set; nil means all.
	Parsers []Parser
	// HTTPClient overrides the URL fetch client; nil builds one.
	HTTPClient *http.Client
}

// RabbitHole is the ingestion pipeline for a running instance.
type RabbitHole struct {
	logger   *slog.Logger
	hooks    *hooks.Registry
	store    *memory.Store
	bus      *events.Bus
	settings hooks.SettingsFunc
	splitter *Splitter
	parsers  []Parser
	client   *http.Client
	opts     Options
}

// New creates an ingestion pipeline.
func New(logger *slog.Logger, reg *hooks.Registry, store *memory.Store, bus *events.Bus, settings hooks.SettingsFunc, opts Options) *RabbitHole {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	parsers := opts.Parsers
	if parsers == nil {
		parsers = DefaultParsers()
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(fetchTimeout))
	}
	return &RabbitHole{
		logger:   logger,
		hooks:    reg,
		store:    store,
		bus:      bus,
		settings: settings,
		splitter: NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		parsers:  parsers,
		client:   client,
		opts:     opts,
	}
}

// IngestText drops raw text down the hole.
func (rh *RabbitHole) IngestText(ctx context.Context, text string, metadata map[string]any) *Result {
	run := rh.newRun()
	text, veto := hooks.DispatchValue(rh.hooks, run, hooks.BeforeRabbitHoleStoresText, text)
	if veto != nil {
		return rh.skipped(run, "inline", veto.Reason)
	}
	doc := &Document{
		Source:      "inline",
		ContentType: "text/plain",
		Data:        []byte(text),
		Metadata:    metadata,
	}
	return rh.digest(ctx, run, doc)
}

// IngestFile drops an uploaded file down the hole.
func (rh *RabbitHole) IngestFile(ctx context.Context, name string, data []byte, metadata map[string]any) *Result {
	run := rh.newRun()
	doc := &Document{Source: name, Data: data, Metadata: metadata}
	doc, veto := hooks.DispatchValue(rh.hooks, run, hooks.BeforeRabbitHoleStoresFile, doc)
	if veto != nil {
		return rh.skipped(run, name, veto.Reason)
	}
	return rh.digest(ctx, run, doc)
}

// IngestPath reads a local file and ingests it.
func (rh *RabbitHole) IngestPath(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return rh.IngestFile(ctx, filepath.Base(path), data, map[string]any{"path": path}), nil
}

// IngestURL fetches a web page and drops it down the hole. The gate
// hook sees the URL before any network traffic happens.
func (rh *RabbitHole) IngestURL(ctx context.Context, rawURL string) *Result {
	run := rh.newRun()
	rawURL, veto := hooks.DispatchValue(rh.hooks, run, hooks.BeforeRabbitHoleStoresURL, rawURL)
	if veto != nil {
		return rh.skipped(run, rawURL, veto.Reason)
	}

	doc, err := rh.fetch(ctx, rawURL)
	if err != nil {
		rh.logger.Warn("url fetch failed", "url", rawURL, "error", err)
		return rh.failed(run, rawURL, err.Error())
	}
	return rh.digest(ctx, run, doc)
}

// digest runs the shared parse/split/score/store stages.
func (rh *RabbitHole) digest(ctx context.Context, run *hooks.Context, doc *Document) *Result {
	parsers, _ := hooks.DispatchValue(rh.hooks, run, hooks.RabbitHoleInstantiatesParsers, rh.parsers)
	parser := parserFor(parsers, doc)
	if parser == nil {
		return rh.failed(run, doc.Source,
			fmt.Sprintf("unsupported content type %q", doc.ContentType))
	}

	title, text, err := parser.Parse(doc)
	if err != nil {
		return rh.failed(run, doc.Source, err.Error())
	}

	text, _ = hooks.DispatchValue(rh.hooks, run, hooks.BeforeRabbitHoleSplitsText, text)

	chunks := rh.buildChunks(doc, title, rh.splitter.Split(text))
	split := len(chunks)
	chunks, _ = hooks.DispatchValue(rh.hooks, run, hooks.AfterRabbitHoleSplittedText, chunks)

	res := &Result{Source: doc.Source}
	var stored []Chunk
	for _, chunk := range chunks {
		if chunk.Quality < rh.opts.QualityThreshold {
			rh.logger.Debug("chunk dropped below quality threshold",
				"source", doc.Source, "index", chunk.Index, "quality", chunk.Quality)
			res.Dropped++
			continue
		}
		id, err := rh.store.Store(ctx, memory.Declarative, chunk.Text, chunk.Metadata)
		if err != nil {
			rh.logger.Warn("chunk store failed",
				"source", doc.Source, "index", chunk.Index, "error", err)
			res.Failed++
			continue
		}
		res.Stored++
		res.IDs = append(res.IDs, id)
		stored = append(stored, chunk)
	}

	stored, _ = hooks.DispatchValue(rh.hooks, run, hooks.AfterRabbitHoleStoresDocuments, stored)

	switch {
	case res.Stored > 0 && res.Failed == 0:
		res.Status = StatusStored
	case res.Stored > 0:
		res.Status = StatusPartial
	case res.Dropped > 0 && res.Failed == 0:
		res.Status = StatusSkipped
		res.Reason = "all chunks below quality threshold"
	case res.Failed == 0 && split > 0 && len(chunks) == 0:
		res.Status = StatusSkipped
		res.Reason = "all chunks removed by hooks"
	default:
		res.Status = StatusFailed
		res.Reason = "no chunks could be stored"
	}

	res, _ = hooks.DispatchValue(rh.hooks, run, hooks.AfterRabbitHoleDigestion, res)

	kind := events.KindIngestionDone
	if res.Status == StatusFailed {
		kind = events.KindIngestionFailed
	}
	rh.bus.Emit(events.SourceRabbitHole, kind, "", map[string]any{
		"source": res.Source, "status": string(res.Status),
		"stored": res.Stored, "dropped": res.Dropped, "failed": res.Failed,
	})
	rh.logger.Info("digestion finished",
		"source", res.Source, "status", res.Status,
		"stored", res.Stored, "dropped", res.Dropped, "failed", res.Failed)
	return res
}

func (rh *RabbitHole) buildChunks(doc *Document, title string, parts []string) []Chunk {
	chunks := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		meta := map[string]any{"source": doc.Source, "chunk_index": i}
		if title != "" {
			meta["title"] = title
		}
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		chunks = append(chunks, Chunk{
			Text:     part,
			Index:    i,
			Quality:  qualityScore(part),
			Metadata: meta,
		})
	}
	return chunks
}

func parserFor(parsers []Parser, doc *Document) Parser {
	ct := doc.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, p := range parsers {
		if p.Matches(ct, doc.Source) {
			return p
		}
	}
	return nil
}

func (rh *RabbitHole) fetch(ctx context.Context, rawURL string) (*Document, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := rh.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, fetchMaxBytes)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Document{
		Source:      rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
		Metadata:    map[string]any{"url": rawURL},
	}, nil
}

func (rh *RabbitHole) newRun() *hooks.Context {
	run := hooks.NewContext("", rh.store, rh.logger)
	run.Settings = rh.settings
	return run
}

func (rh *RabbitHole) skipped(run *hooks.Context, source, reason string) *Result {
	rh.logger.Info("ingestion skipped", "run_id", run.ID, "source", source, "reason", reason)
	return &Result{Status: StatusSkipped, Source: source, Reason: reason}
}

func (rh *RabbitHole) failed(run *hooks.Context, source, reason string) *Result {
	rh.bus.Emit(events.SourceRabbitHole, events.KindIngestionFailed, "",
		map[string]any{"source": source, "reason": reason})
	return &Result{Status: StatusFailed, Source: source, Reason: reason}
}
