package columnist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"columnist/internal/infra/config"
	"columnist/internal/security"
	"columnist/internal/storage"
)

func testSchema() Schema {
	return Schema{
		"messages": {
			Name: "messages",
			Columns: map[string]ColumnType{
				"id":      TypeNumber,
				"message": TypeString,
				"user_id": TypeNumber,
			},
			SecondaryIndexes: []string{"user_id"},
		},
		"events": {
			Name: "events",
			Columns: map[string]ColumnType{
				"id":        TypeNumber,
				"name":      TypeString,
				"timestamp": TypeDate,
			},
			SecondaryIndexes: []string{"timestamp"},
		},
		"docs": {
			Name: "docs",
			Columns: map[string]ColumnType{
				"id":        TypeNumber,
				"body":      TypeString,
				"embedding": TypeVector,
			},
			Vector: &VectorSpec{Column: "embedding", Source: "body", Dimensions: 3},
		},
		"vault": {
			Name: "vault",
			Columns: map[string]ColumnType{
				"id":       TypeNumber,
				"username": TypeString,
				"password": TypeString,
			},
		},
	}
}

func memConfig() *Config {
	return &Config{Storage: config.StorageConfig{Backend: "memory"}}
}

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = memConfig()
	}
	e, err := Open(context.Background(), "testdb", Options{Schema: testSchema(), Config: cfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// testEmbedder maps a few known words onto fixed 3-dim vectors.
func testEmbedder() Embedder {
	vocab := map[string][]float32{
		"apples":  {1, 0, 0},
		"oranges": {0.9, 0.1, 0},
		"rockets": {0, 0, 1},
	}
	return EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		for word, vec := range vocab {
			if strings.Contains(text, word) {
				return vec, nil
			}
		}
		return []float32{0.1, 0.1, 0.1}, nil
	})
}

// --- S1, S2: lexical search ---

func TestSearchScoringAndTieBreak(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id1, err := e.Insert(ctx, "messages", Record{"message": "Hello world", "user_id": 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id2, err := e.Insert(ctx, "messages", Record{"message": "world of warcraft", "user_id": 2})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	hits, err := e.Search(ctx, "world", SearchOptions{Table: "messages"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	// df=2 for "world": equal scores, tie broken by ascending id.
	if hits[0].Score != hits[1].Score {
		t.Errorf("scores differ: %v vs %v", hits[0].Score, hits[1].Score)
	}
	if hits[0].Record["id"] != id1 || hits[1].Record["id"] != id2 {
		t.Errorf("order = %v, %v, want %d, %d", hits[0].Record["id"], hits[1].Record["id"], id1, id2)
	}

	hits, err = e.Search(ctx, "hello", SearchOptions{Table: "messages"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Record["id"] != id1 {
		t.Fatalf("hello hits = %v, want only id %d", hits, id1)
	}
}

func TestUpdateReindexes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id1, _ := e.Insert(ctx, "messages", Record{"message": "Hello world", "user_id": 1})
	e.Insert(ctx, "messages", Record{"message": "world of warcraft", "user_id": 2})

	if err := e.Update(ctx, "messages", id1, Record{"message": "goodbye moon"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	hits, _ := e.Search(ctx, "hello", SearchOptions{Table: "messages"})
	if len(hits) != 0 {
		t.Errorf("hello still matches after update: %v", hits)
	}
	hits, _ = e.Search(ctx, "moon", SearchOptions{Table: "messages"})
	if len(hits) != 1 || hits[0].Record["id"] != id1 {
		t.Errorf("moon hits = %v", hits)
	}
}

func TestSearchFilters(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.Insert(ctx, "messages", Record{"message": "shared term", "user_id": 1})
	e.Insert(ctx, "messages", Record{"message": "shared term", "user_id": 2})

	hits, err := e.Search(ctx, "shared", SearchOptions{
		Table:   "messages",
		Filters: map[string]any{"user_id": 2},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("filtered hits = %d, want 1", len(hits))
	}
	if got, _ := hits[0].Record["user_id"].(float64); got != 2 {
		t.Errorf("user_id = %v", hits[0].Record["user_id"])
	}
}

// --- S3: range predicate with ordering ---

func TestFindRangeOrderedDesc(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := e.Insert(ctx, "events", Record{
			"name":      fmt.Sprintf("event %d", i),
			"timestamp": time.UnixMilli(int64(i)).UTC(),
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	recs, err := e.Find(ctx, FindOptions{
		Table: "events",
		Where: map[string]any{
			"timestamp": map[string]any{"$gte": 50, "$lt": 60},
		},
		OrderBy: &OrderBy{Field: "timestamp", Direction: "desc"},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("found %d records, want 10", len(recs))
	}
	for i, rec := range recs {
		ts := rec["timestamp"].(time.Time)
		want := int64(59 - i)
		if ts.UnixMilli() != want {
			t.Errorf("rec[%d] timestamp = %d, want %d", i, ts.UnixMilli(), want)
		}
	}
}

func TestFindEqualityAndIn(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e.Insert(ctx, "messages", Record{"message": "m", "user_id": i})
	}

	recs, err := e.Find(ctx, FindOptions{
		Table: "messages",
		Where: map[string]any{"user_id": 3},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("equality found %d", len(recs))
	}

	recs, err = e.Find(ctx, FindOptions{
		Table: "messages",
		Where: map[string]any{"user_id": map[string]any{"$in": []any{2, 4}}},
	})
	if err != nil {
		t.Fatalf("Find $in: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("$in found %d, want 2", len(recs))
	}

	recs, _ = e.Find(ctx, FindOptions{
		Table:  "messages",
		Where:  map[string]any{"user_id": map[string]any{"$gt": 3}},
		Limit:  10,
		Offset: 1,
	})
	if len(recs) != 1 {
		t.Fatalf("$gt with offset found %d, want 1", len(recs))
	}
}

func TestFindPageKeyset(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		e.Insert(ctx, "messages", Record{"message": "page me", "user_id": i})
	}

	var all []Record
	cursor := ""
	pages := 0
	for {
		page, err := e.FindPage(ctx, PageOptions{
			FindOptions: FindOptions{Table: "messages", Limit: 10},
			Cursor:      cursor,
		})
		if err != nil {
			t.Fatalf("FindPage: %v", err)
		}
		all = append(all, page.Data...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(all) != 25 {
		t.Fatalf("paginated %d records, want 25", len(all))
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	for i := 1; i < len(all); i++ {
		if all[i]["id"].(uint64) <= all[i-1]["id"].(uint64) {
			t.Fatal("page results not in ascending id order")
		}
	}

	if _, err := e.FindPage(ctx, PageOptions{
		FindOptions: FindOptions{Table: "messages"},
		Cursor:      "not base64!",
	}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("malformed cursor err = %v", err)
	}
}

// --- S4: vector search ---

func TestVectorSearchExactOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id1, _ := e.Insert(ctx, "docs", Record{"body": "a", "embedding": []float32{1, 0, 0}})
	id2, _ := e.Insert(ctx, "docs", Record{"body": "b", "embedding": []float32{0, 1, 0}})
	id3, _ := e.Insert(ctx, "docs", Record{"body": "c", "embedding": []float32{0.9, 0.1, 0}})

	hits, err := e.VectorSearch(ctx, "docs", []float32{1, 0, 0}, VectorSearchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	wantOrder := []uint64{id1, id3, id2}
	for i, h := range hits {
		if h.Record["id"] != wantOrder[i] {
			t.Errorf("hit[%d] = %v, want %d", i, h.Record["id"], wantOrder[i])
		}
	}
}

func TestVectorDimensionMismatch(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Insert(ctx, "docs", Record{"body": "x", "embedding": []float32{1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("insert err = %v, want ErrDimensionMismatch", err)
	}
	// Nothing was persisted.
	recs, _ := e.GetAll(ctx, "docs", 0)
	if len(recs) != 0 {
		t.Errorf("record persisted despite dimension error")
	}

	if _, err := e.VectorSearch(ctx, "docs", []float32{1, 0}, VectorSearchOptions{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("query err = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedderAndVectorSearchText(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	if err := e.RegisterEmbedder("docs", testEmbedder()); err != nil {
		t.Fatalf("RegisterEmbedder: %v", err)
	}

	idApples, _ := e.Insert(ctx, "docs", Record{"body": "all about apples"})
	e.Insert(ctx, "docs", Record{"body": "rockets to space"})

	// The source field was embedded on write.
	hits, err := e.VectorSearchText(ctx, "docs", "apples", VectorSearchOptions{Limit: 1})
	if err != nil {
		t.Fatalf("VectorSearchText: %v", err)
	}
	if len(hits) != 1 || hits[0].Record["id"] != idApples {
		t.Fatalf("hits = %v, want id %d", hits, idApples)
	}

	// The repeated query text hits the embedder cache.
	e.VectorSearchText(ctx, "docs", "apples", VectorSearchOptions{Limit: 1})
	snap := e.Metrics()
	if snap.CacheHits == 0 {
		t.Error("embedder cache recorded no hits")
	}
}

func TestBuildOptimalVectorIndexSmallUsesIVF(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		vec := []float32{float32(i%7) + 1, float32(i%3) + 1, 1}
		e.Insert(ctx, "docs", Record{"body": "d", "embedding": vec})
	}
	if err := e.BuildOptimalVectorIndex(ctx, "docs"); err != nil {
		t.Fatalf("BuildOptimalVectorIndex: %v", err)
	}

	e.vmu.Lock()
	idx := e.vindexes["docs"]
	e.vmu.Unlock()
	if idx == nil || idx.ivf == nil {
		t.Fatal("small table did not build an IVF index")
	}
	if len(idx.ivf.Clusters) != 4 { // ceil(40/10)
		t.Errorf("centroids = %d, want 4", len(idx.ivf.Clusters))
	}

	// Auto mode now routes through IVF and still answers.
	hits, err := e.VectorSearch(ctx, "docs", []float32{1, 1, 1}, VectorSearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) == 0 {
		t.Error("IVF search returned nothing")
	}
}

// --- S5, S6: encryption at rest and rotation ---

func rawRecords(t *testing.T, e *Engine, table string) []string {
	t.Helper()
	var raws []string
	err := e.active().View(context.Background(), []string{table}, func(tx storage.Tx) error {
		c, err := tx.Cursor(table)
		if err != nil {
			return err
		}
		for _, v, ok := c.First(); ok; _, v, ok = c.Next() {
			raws = append(raws, string(v))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("raw scan: %v", err)
	}
	return raws
}

func TestEncryptionAtRest(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.SetEncryptionKey(ctx, "short", nil); !errors.Is(err, ErrWeakPassphrase) {
		t.Fatalf("weak passphrase err = %v", err)
	}
	if err := e.SetEncryptionKey(ctx, "hunter22", nil); err != nil {
		t.Fatalf("SetEncryptionKey: %v", err)
	}

	_, err := e.Insert(ctx, "vault", Record{"username": "root", "password": "s3cr3t"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// A raw scan of the object store finds no plaintext occurrence.
	for _, raw := range rawRecords(t, e, "vault") {
		if strings.Contains(raw, "s3cr3t") {
			t.Fatal("plaintext password stored at rest")
		}
	}

	// The read path decrypts transparently.
	recs, err := e.GetAll(ctx, "vault", 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 1 || recs[0]["password"] != "s3cr3t" {
		t.Fatalf("decrypted read = %v", recs)
	}
	// Non-sensitive fields stay plaintext.
	if recs[0]["username"] != "root" {
		t.Errorf("username = %v", recs[0]["username"])
	}
}

func TestKeyRotation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.SetEncryptionKey(ctx, "hunter22", nil)
	e.Insert(ctx, "vault", Record{"username": "root", "password": "s3cr3t"})

	before := rawRecords(t, e, "vault")
	oldHandle := e.enc.Handle()

	if err := e.RotateEncryptionKey(ctx, "newkey-42"); err != nil {
		t.Fatalf("RotateEncryptionKey: %v", err)
	}

	after := rawRecords(t, e, "vault")
	if before[0] == after[0] {
		t.Fatal("ciphertext unchanged after rotation")
	}

	recs, err := e.GetAll(ctx, "vault", 0)
	if err != nil {
		t.Fatalf("GetAll after rotation: %v", err)
	}
	if recs[0]["password"] != "s3cr3t" {
		t.Fatalf("rotated value = %v", recs[0]["password"])
	}

	// The old key no longer opens the stored envelope.
	oldEnc := security.NewEncryptor()
	oldEnc.SetKey(oldHandle)
	var stored map[string]any
	if err := json.Unmarshal([]byte(after[0]), &stored); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, err := oldEnc.Decrypt(stored["password"].(string)); !errors.Is(err, ErrDecryption) {
		t.Errorf("old key decrypt err = %v, want ErrDecryption", err)
	}
}

func TestRotationRequiresKey(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.RotateEncryptionKey(context.Background(), "whatever1"); err == nil {
		t.Fatal("rotation without configured key succeeded")
	}
}

// --- change events ---

func TestChangeEventsPerCommit(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	var events []ChangeEvent
	unsub, err := e.Subscribe("messages", func(ev ChangeEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, _ := e.Insert(ctx, "messages", Record{"message": "hi", "user_id": 1})
	e.Update(ctx, "messages", id, Record{"message": "edited"})
	e.Delete(ctx, "messages", id)

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Type != ChangeInsert || events[1].Type != ChangeUpdate || events[2].Type != ChangeDelete {
		t.Errorf("event types = %v, %v, %v", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[1].OldRecord == nil || events[1].OldRecord["message"] != "hi" {
		t.Errorf("update oldRecord = %v", events[1].OldRecord)
	}
	if events[2].Record["message"] != "edited" {
		t.Errorf("delete record = %v", events[2].Record)
	}

	// Failed operations emit nothing.
	unsubCount := len(events)
	if err := e.Update(ctx, "messages", 9999, Record{"message": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
	if len(events) != unsubCount {
		t.Error("failed update emitted an event")
	}

	unsub()
	e.Insert(ctx, "messages", Record{"message": "after unsub", "user_id": 1})
	if len(events) != unsubCount {
		t.Error("unsubscribed handler still received events")
	}
}

func TestReplicationTracker(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.Insert(ctx, "messages", Record{"message": "a", "user_id": 1})
	e.Insert(ctx, "messages", Record{"message": "b", "user_id": 2})

	pending := e.PendingChanges(0)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	e.AckChanges(pending[0].ID)
	if got := e.PendingChanges(0); len(got) != 1 {
		t.Errorf("after ack pending = %d, want 1", len(got))
	}
}

// --- bulk, stats, upsert, transaction ---

func TestBulkPartialSuccess(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	recs := []Record{
		{"message": "good one", "user_id": 1},
		{"message": 42, "user_id": 2}, // wrong type
		{"message": "another", "user_id": 3},
	}
	res := e.BulkInsert(ctx, "messages", recs)
	if res.Success+len(res.Errors) != len(recs) {
		t.Fatalf("success %d + errors %d != %d", res.Success, len(res.Errors), len(recs))
	}
	if res.Success != 2 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Errors[0].Index != 1 {
		t.Errorf("failed index = %d, want 1", res.Errors[0].Index)
	}
}

func TestStatsConsistency(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, _ := e.Insert(ctx, "messages", Record{"message": "m", "user_id": i})
		ids = append(ids, id)
	}
	e.Delete(ctx, "messages", ids[0])
	e.Delete(ctx, "messages", ids[1])

	stats, err := e.Stats(ctx, "messages")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	recs, _ := e.GetAll(ctx, "messages", 0)
	if stats["messages"].Count != int64(len(recs)) {
		t.Errorf("stats count = %d, live records = %d", stats["messages"].Count, len(recs))
	}
	if stats["messages"].TotalBytes <= 0 {
		t.Errorf("total bytes = %d", stats["messages"].TotalBytes)
	}
}

func TestUpsert(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Upsert(ctx, "messages", Record{"message": "v1", "user_id": 1})
	if err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	id2, err := e.Upsert(ctx, "messages", Record{"id": id, "message": "v2", "user_id": 1})
	if err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if id2 != id {
		t.Fatalf("upsert changed id: %d -> %d", id, id2)
	}
	recs, _ := e.GetAll(ctx, "messages", 0)
	if len(recs) != 1 || recs[0]["message"] != "v2" {
		t.Fatalf("records = %v", recs)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	events := 0
	e.Subscribe("messages", func(ChangeEvent) { events++ })

	boom := errors.New("abort")
	err := e.Transaction(ctx, []string{"messages"}, func(tx *Txn) error {
		if _, err := tx.Insert("messages", Record{"message": "one", "user_id": 1}); err != nil {
			return err
		}
		if _, err := tx.Insert("messages", Record{"message": "two", "user_id": 2}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction err = %v", err)
	}
	recs, _ := e.GetAll(ctx, "messages", 0)
	if len(recs) != 0 {
		t.Fatalf("aborted transaction persisted %d records", len(recs))
	}
	if events != 0 {
		t.Error("aborted transaction emitted events")
	}

	err = e.Transaction(ctx, []string{"messages"}, func(tx *Txn) error {
		_, err := tx.Insert("messages", Record{"message": "kept", "user_id": 1})
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	recs, _ = e.GetAll(ctx, "messages", 0)
	if len(recs) != 1 {
		t.Fatalf("committed transaction has %d records", len(recs))
	}
	if events != 1 {
		t.Errorf("events after commit = %d, want 1", events)
	}
}

// --- auth hooks ---

func TestAuthHooksGateWrites(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	unregister := e.RegisterAuthHook("readonly", func(op, table string, data Record) bool {
		return op != "delete"
	})

	id, err := e.Insert(ctx, "messages", Record{"message": "m", "user_id": 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Delete(ctx, "messages", id); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("delete err = %v, want ErrAuthentication", err)
	}

	unregister()
	if err := e.Delete(ctx, "messages", id); err != nil {
		t.Fatalf("delete after unregister: %v", err)
	}
}

// --- export / import ---

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEngine(t, nil)
	ctx := context.Background()

	src.Insert(ctx, "messages", Record{"message": "hello world", "user_id": 1})
	src.Insert(ctx, "messages", Record{"message": "goodbye", "user_id": 2})
	src.Insert(ctx, "docs", Record{"body": "x", "embedding": []float32{1, 0, 0}})

	dump, err := src.Export(ctx, "messages", "docs")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(dump["messages"]) != 2 || len(dump["docs"]) != 1 {
		t.Fatalf("export shape = %d/%d", len(dump["messages"]), len(dump["docs"]))
	}

	dst, err := Open(ctx, "imported", Options{Schema: testSchema(), Config: memConfig()})
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}
	defer dst.Close()

	if err := dst.Import(ctx, dump, ImportReplace); err != nil {
		t.Fatalf("Import: %v", err)
	}

	// Records and both index families came across.
	recs, _ := dst.GetAll(ctx, "messages", 0)
	if len(recs) != 2 {
		t.Fatalf("imported %d messages", len(recs))
	}
	hits, err := dst.Search(ctx, "hello", SearchOptions{Table: "messages"})
	if err != nil || len(hits) != 1 {
		t.Fatalf("lexical index not rebuilt: %v, %v", hits, err)
	}
	vhits, err := dst.VectorSearch(ctx, "docs", []float32{1, 0, 0}, VectorSearchOptions{Limit: 1})
	if err != nil || len(vhits) != 1 {
		t.Fatalf("vector index not rebuilt: %v, %v", vhits, err)
	}

	stats, _ := dst.Stats(ctx, "messages")
	if stats["messages"].Count != 2 {
		t.Errorf("imported stats count = %d", stats["messages"].Count)
	}

	// Replace clears prior contents.
	if err := dst.Import(ctx, map[string][]Record{
		"messages": {{"message": "only one", "user_id": 9}},
	}, ImportReplace); err != nil {
		t.Fatalf("second Import: %v", err)
	}
	recs, _ = dst.GetAll(ctx, "messages", 0)
	if len(recs) != 1 || recs[0]["message"] != "only one" {
		t.Fatalf("replace import left %v", recs)
	}

	// Merge upserts by primary key.
	id := recs[0]["id"].(uint64)
	if err := dst.Import(ctx, map[string][]Record{
		"messages": {{"id": id, "message": "merged", "user_id": 9}},
	}, ImportMerge); err != nil {
		t.Fatalf("merge Import: %v", err)
	}
	recs, _ = dst.GetAll(ctx, "messages", 0)
	if len(recs) != 1 || recs[0]["message"] != "merged" {
		t.Fatalf("merge import left %v", recs)
	}
}

// --- S8: fallback substrate ---

func TestFallbackWhenPersistentUnavailable(t *testing.T) {
	// Point the bolt backend's directory at a regular file so the open
	// fails and the engine must come up on the in-memory substrate.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg := &Config{Storage: config.StorageConfig{Backend: "bolt", Dir: blocker}}
	e, err := Open(context.Background(), "falling", Options{Schema: testSchema(), Config: cfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if !e.InFallbackMode() {
		t.Fatal("engine not in fallback mode")
	}

	// The engine behaves identically on the fallback substrate.
	ctx := context.Background()
	id, err := e.Insert(ctx, "messages", Record{"message": "degraded but alive", "user_id": 1})
	if err != nil {
		t.Fatalf("Insert in fallback: %v", err)
	}
	hits, err := e.Search(ctx, "degraded", SearchOptions{Table: "messages"})
	if err != nil || len(hits) != 1 {
		t.Fatalf("Search in fallback: %v, %v", hits, err)
	}
	if err := e.Delete(ctx, "messages", id); err != nil {
		t.Fatalf("Delete in fallback: %v", err)
	}
	if st := e.Health(); !st.FallbackMode {
		t.Errorf("health state = %+v", st)
	}
}

// --- persistence across reopen (bolt) ---

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Storage: config.StorageConfig{Backend: "bolt", Dir: dir}}
	ctx := context.Background()

	e, err := Open(ctx, "durable", Options{Schema: testSchema(), Config: cfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := e.Insert(ctx, "messages", Record{"message": "survives restarts", "user_id": 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(ctx, "durable", Options{Schema: testSchema(), Config: &Config{
		Storage: config.StorageConfig{Backend: "bolt", Dir: dir},
	}})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	recs, err := e2.GetAll(ctx, "messages", 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 1 || recs[0]["id"] != id {
		t.Fatalf("reopened records = %v", recs)
	}
	hits, err := e2.Search(ctx, "survives", SearchOptions{Table: "messages"})
	if err != nil || len(hits) != 1 {
		t.Fatalf("index not durable: %v, %v", hits, err)
	}
}

// --- misc ---

func TestNotFoundBoundaries(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.Update(ctx, "messages", 1, Record{"message": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update err = %v", err)
	}
	if err := e.Delete(ctx, "messages", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete err = %v", err)
	}
	if _, err := e.Insert(ctx, "ghost", Record{}); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("unknown table err = %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	err := e.Delete(ctx, "messages", 404)
	if code := ErrorCodeOf(err); code != "NOT_FOUND" {
		t.Errorf("code = %s", code)
	}
	_, err = e.Insert(ctx, "docs", Record{"embedding": []float32{1}})
	if code := ErrorCodeOf(err); code != "DIMENSION_MISMATCH" {
		t.Errorf("code = %s", code)
	}
}

func TestMigrationsRunInOrder(t *testing.T) {
	ctx := context.Background()
	var ran []int
	_, err := OpenForTest(ctx, t, Options{
		Schema:  testSchema(),
		Version: 3,
		Migrations: map[int]Migration{
			2: func(ctx context.Context, tx *Txn, old int) error {
				ran = append(ran, 2)
				return nil
			},
			3: func(ctx context.Context, tx *Txn, old int) error {
				ran = append(ran, 3)
				_, err := tx.Insert("messages", Record{"message": "seeded", "user_id": 0})
				return err
			},
		},
		Config: memConfig(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ran) != 2 || ran[0] != 2 || ran[1] != 3 {
		t.Fatalf("migrations ran = %v", ran)
	}
}

// OpenForTest opens an engine and ties its lifetime to the test.
func OpenForTest(ctx context.Context, t *testing.T, opts Options) (*Engine, error) {
	t.Helper()
	e, err := Open(ctx, "migrating", opts)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { e.Close() })
	return e, nil
}
