package rabbithole

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/memory"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%16]++
	}
	return vec, nil
}

// poisonEmbedder fails for chunks containing the marker word, to
// exercise partial ingestion.
type poisonEmbedder struct{}

func (poisonEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "poison") {
		return nil, fmt.Errorf("embedder refused")
	}
	return hashEmbedder{}.Embed(ctx, text)
}

func newTestHole(t *testing.T, embedder memory.Embedder, opts Options) (*RabbitHole, *hooks.Registry, *memory.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if embedder == nil {
		embedder = hashEmbedder{}
	}
	store, err := memory.NewStore(db, embedder, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reg := hooks.NewRegistry(nil)
	return New(nil, reg, store, nil, nil, opts), reg, store
}

func TestOneSentenceFileOneChunk(t *testing.T) {
	rh, reg, store := newTestHole(t, nil, Options{ChunkSize: 1024})

	var storedLists [][]Chunk
	reg.Register(hooks.AfterRabbitHoleStoresDocuments, "observe", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			storedLists = append(storedLists, value.([]Chunk))
			return hooks.Continue(value)
		})

	res := rh.IngestFile(context.Background(), "note.txt",
		[]byte("The cat sat on the mat."), nil)

	if res.Status != StatusStored {
		t.Fatalf("Status = %s (%s), want stored", res.Status, res.Reason)
	}
	if res.Stored != 1 || len(res.IDs) != 1 {
		t.Fatalf("Stored = %d, IDs = %v, want 1", res.Stored, res.IDs)
	}
	if len(storedLists) != 1 || len(storedLists[0]) != 1 {
		t.Fatalf("post-store dispatch saw %v, want one one-element list", storedLists)
	}
	if got := store.Count()[memory.Declarative]; got != 1 {
		t.Fatalf("declarative count = %d, want 1", got)
	}
}

func TestThresholdZeroStoresAll(t *testing.T) {
	rh, _, store := newTestHole(t, nil, Options{ChunkSize: 64, QualityThreshold: 0})

	text := strings.Repeat("Chunked sentences keep arriving here. ", 20)
	res := rh.IngestText(context.Background(), text, nil)

	if res.Status != StatusStored {
		t.Fatalf("Status = %s (%s)", res.Status, res.Reason)
	}
	if res.Dropped != 0 {
		t.Fatalf("Dropped = %d with zero threshold", res.Dropped)
	}
	if got := store.Count()[memory.Declarative]; got != res.Stored {
		t.Fatalf("store count %d != reported %d", got, res.Stored)
	}
}

func TestThresholdOneStoresNone(t *testing.T) {
	rh, _, store := newTestHole(t, nil, Options{ChunkSize: 64, QualityThreshold: 1})

	res := rh.IngestText(context.Background(),
		"Perfectly ordinary prose never scores a full point.", nil)

	if res.Status != StatusSkipped {
		t.Fatalf("Status = %s, want skipped", res.Status)
	}
	if res.Stored != 0 || store.Count()[memory.Declarative] != 0 {
		t.Fatal("threshold one stored chunks")
	}
}

func TestHookRaisesQualityPastThreshold(t *testing.T) {
	rh, reg, _ := newTestHole(t, nil, Options{ChunkSize: 64, QualityThreshold: 1})

	reg.Register(hooks.AfterRabbitHoleSplittedText, "boost", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			chunks := value.([]Chunk)
			for i := range chunks {
				chunks[i].Quality = 1
			}
			return hooks.Continue(chunks)
		})

	res := rh.IngestText(context.Background(),
		"Perfectly ordinary prose never scores a full point.", nil)
	if res.Status != StatusStored || res.Stored == 0 {
		t.Fatalf("boosted chunks not stored: %+v", res)
	}
}

func TestGateVetoes(t *testing.T) {
	tests := []struct {
		name   string
		point  hooks.Point
		ingest func(rh *RabbitHole) *Result
	}{
		{
			name:  "text",
			point: hooks.BeforeRabbitHoleStoresText,
			ingest: func(rh *RabbitHole) *Result {
				return rh.IngestText(context.Background(), "some text", nil)
			},
		},
		{
			name:  "file",
			point: hooks.BeforeRabbitHoleStoresFile,
			ingest: func(rh *RabbitHole) *Result {
				return rh.IngestFile(context.Background(), "a.txt", []byte("some text"), nil)
			},
		},
		{
			name:  "url",
			point: hooks.BeforeRabbitHoleStoresURL,
			ingest: func(rh *RabbitHole) *Result {
				return rh.IngestURL(context.Background(), "https://example.com")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rh, reg, store := newTestHole(t, nil, Options{ChunkSize: 1024})
			reg.Register(tt.point, "gate", "guard", 0,
				func(value any, c *hooks.Context) hooks.Result {
					return hooks.Veto("not today")
				})

			res := tt.ingest(rh)
			if res.Status != StatusSkipped {
				t.Fatalf("Status = %s, want skipped", res.Status)
			}
			if res.Reason != "not today" {
				t.Fatalf("Reason = %q", res.Reason)
			}
			if store.Count()[memory.Declarative] != 0 {
				t.Fatal("vetoed unit stored chunks")
			}
		})
	}
}

func TestParserInstantiationHookFilters(t *testing.T) {
	rh, reg, _ := newTestHole(t, nil, Options{ChunkSize: 1024})

	reg.Register(hooks.RabbitHoleInstantiatesParsers, "html-only", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			var kept []Parser
			for _, p := range value.([]Parser) {
				if p.Name() == "html" {
					kept = append(kept, p)
				}
			}
			return hooks.Continue(kept)
		})

	res := rh.IngestFile(context.Background(), "note.txt",
		[]byte("Plain text with its parser filtered away."), nil)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Reason, "unsupported") {
		t.Fatalf("Reason = %q", res.Reason)
	}

	res = rh.IngestFile(context.Background(), "page.html",
		[]byte("<html><body><p>Cats still land on their feet.</p></body></html>"), nil)
	if res.Status != StatusStored {
		t.Fatalf("html after filtering: Status = %s (%s)", res.Status, res.Reason)
	}
}

func TestHookRemovesAllChunksSkipped(t *testing.T) {
	rh, reg, store := newTestHole(t, nil, Options{ChunkSize: 1024})

	reg.Register(hooks.AfterRabbitHoleSplittedText, "drop-all", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue([]Chunk{})
		})

	res := rh.IngestText(context.Background(),
		"Every chunk of this text is about to vanish.", nil)
	if res.Status != StatusSkipped {
		t.Fatalf("Status = %s (%s), want skipped", res.Status, res.Reason)
	}
	if !strings.Contains(res.Reason, "hooks") {
		t.Fatalf("Reason = %q", res.Reason)
	}
	if res.Failed != 0 || store.Count()[memory.Declarative] != 0 {
		t.Fatalf("hook-emptied unit reported failures or stored chunks: %+v", res)
	}
}

func TestPartialStorage(t *testing.T) {
	rh, _, _ := newTestHole(t, poisonEmbedder{}, Options{ChunkSize: 48})

	text := "A perfectly fine first sentence goes here. " +
		"This one carries poison and will not embed. " +
		"A perfectly fine last sentence closes it out."
	res := rh.IngestText(context.Background(), text, nil)

	if res.Status != StatusPartial {
		t.Fatalf("Status = %s (stored %d failed %d)", res.Status, res.Stored, res.Failed)
	}
	if res.Failed == 0 || res.Stored == 0 {
		t.Fatalf("want mixed outcome, got %+v", res)
	}
}

func TestUnsupportedContentTypeFails(t *testing.T) {
	rh, _, _ := newTestHole(t, nil, Options{ChunkSize: 1024})

	res := rh.IngestFile(context.Background(), "photo.png", []byte{0x89, 0x50}, nil)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Reason, "unsupported") {
		t.Fatalf("Reason = %q", res.Reason)
	}
}

func TestMarkdownFile(t *testing.T) {
	rh, _, store := newTestHole(t, nil, Options{ChunkSize: 1024})

	md := "# Feeding\n\nCats eat twice a day.\n\n- morning\n- evening\n"
	res := rh.IngestFile(context.Background(), "feeding.md", []byte(md), nil)

	if res.Status != StatusStored {
		t.Fatalf("Status = %s (%s)", res.Status, res.Reason)
	}
	recs, err := store.Recall(context.Background(), memory.Declarative, "Cats eat twice a day.", 1)
	if err != nil || len(recs) == 0 {
		t.Fatalf("recall: %v %v", recs, err)
	}
	if strings.Contains(recs[0].Text, "#") || strings.Contains(recs[0].Text, "<") {
		t.Fatalf("markdown residue in stored chunk: %q", recs[0].Text)
	}
}

func TestIngestURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Cat Facts</title><script>junk()</script></head>`+
			`<body><nav>menu</nav><p>Cats sleep sixteen hours a day.</p></body></html>`)
	}))
	defer srv.Close()

	rh, _, store := newTestHole(t, nil, Options{ChunkSize: 1024, HTTPClient: srv.Client()})

	res := rh.IngestURL(context.Background(), srv.URL)
	if res.Status != StatusStored {
		t.Fatalf("Status = %s (%s)", res.Status, res.Reason)
	}

	recs, err := store.Recall(context.Background(), memory.Declarative, "Cats sleep sixteen hours a day.", 1)
	if err != nil || len(recs) == 0 {
		t.Fatalf("recall: %v %v", recs, err)
	}
	rec := recs[0]
	if strings.Contains(rec.Text, "junk") || strings.Contains(rec.Text, "menu") {
		t.Fatalf("boilerplate survived extraction: %q", rec.Text)
	}
	if rec.Metadata["title"] != "Cat Facts" {
		t.Fatalf("title metadata = %v", rec.Metadata["title"])
	}
}

func TestSplitTextHookRewrites(t *testing.T) {
	rh, reg, store := newTestHole(t, nil, Options{ChunkSize: 1024})

	reg.Register(hooks.BeforeRabbitHoleSplitsText, "redact", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue(strings.ReplaceAll(value.(string), "secret", "[redacted]"))
		})

	res := rh.IngestText(context.Background(), "The secret password is here.", nil)
	if res.Status != StatusStored {
		t.Fatalf("Status = %s", res.Status)
	}
	recs, _ := store.Recall(context.Background(), memory.Declarative, "The [redacted] password is here.", 1)
	if len(recs) == 0 || strings.Contains(recs[0].Text, "secret") {
		t.Fatalf("rewrite did not reach storage: %v", recs)
	}
}
