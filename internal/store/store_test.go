package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	localDB  = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	remoteDB = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
	thirdDB  = uuid.MustParse("00000000-0000-0000-0000-0000000000c3")
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func newStores(t *testing.T) (*DocumentStore, *ConflictStore) {
	docs := NewDocumentStore(localDB, zap.NewNop())
	return docs, NewConflictStore(docs, zap.NewNop())
}

func TestDocumentStorePutAdvancesOwnEntry(t *testing.T) {
	docs, _ := newStores(t)

	first := docs.Put("users/1", "Users", raw(`{"Name":"a"}`))
	second := docs.Put("users/2", "Users", raw(`{"Name":"b"}`))
	third := docs.Put("users/1", "Users", raw(`{"Name":"c"}`))

	assert.Equal(t, uint64(1), first.ChangeVector.EtagFor(localDB))
	assert.Equal(t, uint64(2), second.ChangeVector.EtagFor(localDB))
	assert.Equal(t, uint64(3), third.ChangeVector.EtagFor(localDB))
	assert.Equal(t, uint64(3), docs.LastEtag())

	got, ok := docs.Get("users/1")
	require.True(t, ok)
	assert.JSONEq(t, `{"Name":"c"}`, string(got.Data))
}

func TestDocumentStoreDeleteLeavesTombstone(t *testing.T) {
	docs, _ := newStores(t)
	doc := docs.Put("users/1", "Users", raw(`{}`))

	ts, ok := docs.Delete("users/1")
	require.True(t, ok)

	ops := algorithm.NewChangeVectorOps()
	assert.Equal(t, model.Dominates, ops.Compare(ts.ChangeVector, doc.ChangeVector))
	assert.Equal(t, "Users", ts.Collection)

	_, live := docs.Get("users/1")
	assert.False(t, live)

	version, ok := docs.LocalVersion("users/1")
	require.True(t, ok)
	assert.True(t, version.Deleted)

	_, ok = docs.Delete("users/1")
	assert.False(t, ok, "deleting twice is a no-op")
	assert.Len(t, docs.Tombstones(), 1)
}

func TestDocumentStoreChangesSince(t *testing.T) {
	docs, _ := newStores(t)
	docs.Put("users/1", "Users", raw(`{}`))
	docs.Put("users/2", "Users", raw(`{}`))
	docs.Delete("users/1")
	docs.Put("users/3", "Users", raw(`{}`))

	all := docs.ChangesSince(0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "users/2", all[0].ID)
	assert.Equal(t, "users/1", all[1].ID)
	assert.True(t, all[1].Deleted)
	assert.Equal(t, "users/3", all[2].ID)

	limited := docs.ChangesSince(0, 2)
	assert.Len(t, limited, 2)

	after := docs.ChangesSince(all[1].Etag, 10)
	require.Len(t, after, 1)
	assert.Equal(t, "users/3", after[0].ID)
}

func TestDocumentStoreChangesSinceNeverSkipsConcurrentWrites(t *testing.T) {
	docs, _ := newStores(t)

	const writers, perWriter = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				docs.Put(fmt.Sprintf("users/%d-%d", w, i), "Users", raw(`{}`))
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make(map[uint64]bool)
	var watermark uint64
	follow := func() {
		for _, item := range docs.ChangesSince(watermark, 100) {
			seen[item.Etag] = true
			watermark = item.Etag
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		follow()
	}
	for watermark < docs.LastEtag() {
		follow()
	}

	total := uint64(writers * perWriter)
	require.Equal(t, total, docs.LastEtag())
	var missing int
	for etag := uint64(1); etag <= total; etag++ {
		if !seen[etag] {
			missing++
		}
	}
	assert.Zero(t, missing, "every etag must be streamed once the watermark passes it")
}

func TestDocumentStoreApplyReplicatedKeepsOwnCounterAhead(t *testing.T) {
	docs, _ := newStores(t)
	ops := algorithm.NewChangeVectorOps()

	item := &model.ReplicationItem{
		ID:           "users/1",
		Collection:   "Users",
		Data:         raw(`{"Name":"remote"}`),
		ChangeVector: ops.Normalize(model.ChangeVector{{DbID: localDB, Etag: 7}, {DbID: remoteDB, Etag: 2}}),
	}
	docs.ApplyReplicated(item)

	doc := docs.Put("users/2", "Users", raw(`{}`))
	assert.Equal(t, uint64(8), doc.ChangeVector.EtagFor(localDB))
}

func TestDocumentStoreNotifiesOnChange(t *testing.T) {
	docs, _ := newStores(t)
	var calls int
	docs.SetChangeNotifier(func() { calls++ })

	docs.Put("users/1", "Users", raw(`{}`))
	docs.Delete("users/1")

	assert.Equal(t, 2, calls)
}

func TestConflictStoreRecordSeedsWithLocalVersion(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{"Name":"Store1"}`))

	incoming := model.DocumentVersion{
		Data:         raw(`{"Name":"Store2"}`),
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 1}},
		SourceDbID:   remoteDB,
	}
	count, recorded := conflicts.Record("foo/bar", "Users", incoming)

	assert.True(t, recorded)
	assert.Equal(t, 2, count)

	versions := conflicts.ListConflicts("foo/bar")
	require.Len(t, versions, 2)
	assert.Equal(t, localDB, versions[0].SourceDbID)
	assert.Equal(t, remoteDB, versions[1].SourceDbID)
}

func TestConflictStoreDeduplicatesByChangeVector(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{"Name":"Store1"}`))

	incoming := model.DocumentVersion{
		Data:         raw(`{"Name":"Store2"}`),
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 1}},
		SourceDbID:   remoteDB,
	}
	conflicts.Record("foo/bar", "Users", incoming)
	before, _ := conflicts.Snapshot("foo/bar")

	count, recorded := conflicts.Record("foo/bar", "Users", incoming)
	after, _ := conflicts.Snapshot("foo/bar")

	assert.False(t, recorded)
	assert.Equal(t, 2, count)
	assert.Equal(t, before.Revision, after.Revision)
}

func TestConflictStorePrunesDominatedVersions(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{"Name":"Store1"}`))

	conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 1}},
		SourceDbID:   remoteDB,
	})
	count, recorded := conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 2}},
		SourceDbID:   remoteDB,
	})

	assert.True(t, recorded)
	assert.Equal(t, 2, count)
	for _, v := range conflicts.ListConflicts("foo/bar") {
		assert.NotEqual(t, uint64(1), v.ChangeVector.EtagFor(remoteDB))
	}

	count, _ = conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: thirdDB, Etag: 1}},
		SourceDbID:   thirdDB,
	})
	assert.Equal(t, 3, count)
}

func TestConflictStoreClearIsIdempotent(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{}`))
	conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 1}},
	})

	conflicts.Clear("foo/bar")
	conflicts.Clear("foo/bar")
	conflicts.Clear("never/existed")

	assert.Equal(t, 0, conflicts.Count())
	assert.Empty(t, conflicts.ListAll())
}

func TestConflictStoreClearIfUnchanged(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{}`))
	conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 1}},
	})
	snapshot, ok := conflicts.Snapshot("foo/bar")
	require.True(t, ok)

	conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: thirdDB, Etag: 1}},
	})

	assert.False(t, conflicts.ClearIfUnchanged("foo/bar", snapshot.Revision), "stale revision must not clear")
	assert.True(t, conflicts.Has("foo/bar"))

	fresh, _ := conflicts.Snapshot("foo/bar")
	assert.True(t, conflicts.ClearIfUnchanged("foo/bar", fresh.Revision))
	assert.False(t, conflicts.Has("foo/bar"))
}

func TestConflictStoreMergedVector(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{}`))
	conflicts.Record("foo/bar", "Users", model.DocumentVersion{
		ChangeVector: model.ChangeVector{{DbID: remoteDB, Etag: 4}},
	})

	merged, ok := conflicts.MergedVector("foo/bar")
	require.True(t, ok)
	assert.Equal(t, uint64(1), merged.EtagFor(localDB))
	assert.Equal(t, uint64(4), merged.EtagFor(remoteDB))
}

func TestConflictStoreConcurrentRecords(t *testing.T) {
	docs, conflicts := newStores(t)
	docs.Put("foo/bar", "Users", raw(`{}`))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db := uuid.New()
			conflicts.Record("foo/bar", "Users", model.DocumentVersion{
				ChangeVector: model.ChangeVector{{DbID: db, Etag: uint64(i + 1)}},
				SourceDbID:   db,
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, conflicts.ListConflicts("foo/bar"), 51)
}
