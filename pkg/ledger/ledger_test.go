package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func openMemory(t *testing.T) (*Ledger, *store.MemoryLog) {
	t.Helper()
	log := store.NewMemoryLog()
	l, err := Open(context.Background(), log, WithClock(fixedClock()))
	require.NoError(t, err)
	return l, log
}

type payload struct {
	Provider string  `json:"provider"`
	Cost     float64 `json:"cost"`
}

func TestAppend_ChainsEntries(t *testing.T) {
	ctx := context.Background()
	l, _ := openMemory(t)
	assert.Equal(t, GenesisHash, l.Head())

	e1, err := l.Append(ctx, EventDispatchSuccess, payload{"a", 1.5}, DecisionAdmit)
	require.NoError(t, err)
	e2, err := l.Append(ctx, EventDispatchExhausted, payload{"b", 0}, DecisionReject)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.SequenceNo)
	assert.Equal(t, GenesisHash, e1.PrevHash)
	assert.Equal(t, e1.ThisHash, e2.PrevHash)
	assert.Equal(t, e2.ThisHash, l.Head())
	assert.Len(t, e1.ThisHash, 64)
	assert.NotEmpty(t, e1.ID)
	assert.JSONEq(t, `{"cost":1.5,"provider":"a"}`, string(e1.Payload))

	rep, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid())
	assert.Equal(t, uint64(2), rep.Entries)
}

func TestComputeHash_CoversEveryField(t *testing.T) {
	base := Entry{
		SequenceNo: 3, Timestamp: time.Unix(100, 0).UTC(), EventType: "x",
		Payload: []byte(`{"a":1}`), Decision: DecisionAdmit, PrevHash: GenesisHash,
	}
	h0, err := ComputeHash(&base)
	require.NoError(t, err)

	mutations := map[string]func(*Entry){
		"id":        func(e *Entry) { e.ID = "other" },
		"sequence":  func(e *Entry) { e.SequenceNo = 4 },
		"timestamp": func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"event":     func(e *Entry) { e.EventType = "y" },
		"payload":   func(e *Entry) { e.Payload = []byte(`{"a":2}`) },
		"decision":  func(e *Entry) { e.Decision = DecisionReject },
		"prev":      func(e *Entry) { e.PrevHash = "f" + GenesisHash[1:] },
	}
	for name, mutate := range mutations {
		e := base
		mutate(&e)
		h, err := ComputeHash(&e)
		require.NoError(t, err)
		assert.NotEqual(t, h0, h, name)
	}

	// key order in the payload does not matter
	reordered := base
	reordered.Payload = []byte(`{ "a" : 1 }`)
	h, err := ComputeHash(&reordered)
	require.NoError(t, err)
	assert.Equal(t, h0, h)
}

func TestOpen_RecoversHead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.log")

	fl, err := store.OpenFileLog(path)
	require.NoError(t, err)
	l, err := Open(ctx, fl)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, EventGateVerdict, map[string]int{"i": i}, DecisionAdmit)
		require.NoError(t, err)
	}
	head := l.Head()
	require.NoError(t, fl.Close())

	fl, err = store.OpenFileLog(path)
	require.NoError(t, err)
	defer fl.Close()
	reopened, err := Open(ctx, fl)
	require.NoError(t, err)
	assert.Equal(t, head, reopened.Head())
	assert.Equal(t, uint64(5), reopened.Len())

	e, err := reopened.Append(ctx, EventGateVerdict, map[string]int{"i": 5}, DecisionAdmit)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), e.SequenceNo)
	assert.Equal(t, head, e.PrevHash)
	_, err = reopened.VerifyChain(ctx)
	require.NoError(t, err)
}

// failingLog refuses writes after a set number of appends.
type failingLog struct {
	*store.MemoryLog
	allow int
	n     int
}

func (f *failingLog) Append(ctx context.Context, data []byte) (int64, error) {
	if f.n >= f.allow {
		return 0, errors.New("fsync: input/output error")
	}
	f.n++
	return f.MemoryLog.Append(ctx, data)
}

func TestAppend_FailedWriteDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	log := &failingLog{MemoryLog: store.NewMemoryLog(), allow: 1}
	l, err := Open(ctx, log)
	require.NoError(t, err)

	first, err := l.Append(ctx, EventDispatchSuccess, payload{"a", 1}, DecisionAdmit)
	require.NoError(t, err)

	_, err = l.Append(ctx, EventDispatchSuccess, payload{"a", 2}, DecisionAdmit)
	require.Error(t, err)
	assert.Equal(t, first.ThisHash, l.Head())
	assert.Equal(t, uint64(1), l.Len())

	log.allow = 2
	second, err := l.Append(ctx, EventDispatchSuccess, payload{"a", 2}, DecisionAdmit)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.SequenceNo)
	assert.Equal(t, first.ThisHash, second.PrevHash)
	_, err = l.VerifyChain(ctx)
	require.NoError(t, err)
}

func TestVerifyChain_DetectsFileTamper(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.log")
	fl, err := store.OpenFileLog(path)
	require.NoError(t, err)
	defer fl.Close()

	l, err := Open(ctx, fl)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, EventDispatchSuccess, payload{"provider-x", float64(i)}, DecisionAdmit)
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.LastIndex(raw, []byte("provider-x"))
	require.Positive(t, idx)
	raw[idx] = 'P'
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	rep, err := l.VerifyChain(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, uint64(3), rep.FirstBad)
	assert.False(t, rep.Valid())
	assert.True(t, l.Broken())

	_, err = l.Append(ctx, EventDispatchSuccess, payload{}, DecisionAdmit)
	assert.ErrorIs(t, err, ErrChainBroken, "broken ledger refuses appends")
}

func TestVerifyChain_DetectsSQLTamper(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.OpenDB(ctx, filepath.Join(t.TempDir(), "lite.db"))
	require.NoError(t, err)
	defer db.Close()
	sl := store.NewSQLLog(db, dialect, "ledger")
	require.NoError(t, sl.Init(ctx))

	l, err := Open(ctx, sl)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, EventDispatchSuccess, payload{"a", float64(i)}, DecisionAdmit)
		require.NoError(t, err)
	}
	_, err = l.VerifyChain(ctx)
	require.NoError(t, err)

	// rewrite entry 2 with a self-consistent hash: the link to entry 3 breaks
	e2, err := l.Get(2)
	require.NoError(t, err)
	e2.Decision = DecisionReject
	e2.ThisHash, err = ComputeHash(e2)
	require.NoError(t, err)
	forged, err := encodeEntry(e2)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE append_log SET data = $1 WHERE log_name = $2 AND seq = $3`, forged, "ledger", 1)
	require.NoError(t, err)

	rep, err := l.VerifyChain(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, uint64(3), rep.FirstBad)

	_, err = Open(ctx, sl)
	assert.ErrorIs(t, err, ErrChainBroken, "open refuses a broken chain")
}

func TestVerifyChain_DetectsDeletedRow(t *testing.T) {
	ctx := context.Background()

	t.Run("sql", func(t *testing.T) {
		db, dialect, err := store.OpenDB(ctx, filepath.Join(t.TempDir(), "lite.db"))
		require.NoError(t, err)
		defer db.Close()
		sl := store.NewSQLLog(db, dialect, "ledger")
		require.NoError(t, sl.Init(ctx))

		l, err := Open(ctx, sl)
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := l.Append(ctx, EventDispatchSuccess, payload{"a", float64(i)}, DecisionAdmit)
			require.NoError(t, err)
		}
		_, err = db.ExecContext(ctx, `DELETE FROM append_log WHERE log_name = $1 AND seq = $2`, "ledger", 1)
		require.NoError(t, err)

		rep, err := l.VerifyChain(ctx)
		require.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, uint64(2), rep.FirstBad)
		assert.True(t, l.Broken())
		_, err = l.Append(ctx, EventDispatchSuccess, payload{}, DecisionAdmit)
		assert.ErrorIs(t, err, ErrChainBroken, "broken ledger refuses appends")

		fresh := store.NewSQLLog(db, dialect, "ledger")
		require.NoError(t, fresh.Init(ctx))
		_, _, rep, err = Verify(ctx, fresh)
		require.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, uint64(2), rep.FirstBad)
		_, err = Open(ctx, fresh)
		assert.ErrorIs(t, err, ErrChainBroken)
	})

	t.Run("sql tail", func(t *testing.T) {
		db, dialect, err := store.OpenDB(ctx, filepath.Join(t.TempDir(), "lite.db"))
		require.NoError(t, err)
		defer db.Close()
		sl := store.NewSQLLog(db, dialect, "ledger")
		require.NoError(t, sl.Init(ctx))

		l, err := Open(ctx, sl)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := l.Append(ctx, EventDispatchSuccess, payload{"a", float64(i)}, DecisionAdmit)
			require.NoError(t, err)
		}
		_, err = db.ExecContext(ctx, `DELETE FROM append_log WHERE log_name = $1 AND seq = $2`, "ledger", 2)
		require.NoError(t, err)

		rep, err := l.VerifyChain(ctx)
		require.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, uint64(3), rep.FirstBad)
		assert.True(t, l.Broken())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.log")
		fl, err := store.OpenFileLog(path)
		require.NoError(t, err)
		defer fl.Close()

		l, err := Open(ctx, fl)
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := l.Append(ctx, EventDispatchSuccess, payload{"a", float64(i)}, DecisionAdmit)
			require.NoError(t, err)
		}
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-1))

		rep, err := l.VerifyChain(ctx)
		require.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, uint64(4), rep.FirstBad)
		assert.True(t, l.Broken())
		_, err = l.Append(ctx, EventDispatchSuccess, payload{}, DecisionAdmit)
		assert.ErrorIs(t, err, ErrChainBroken)
	})
}

func TestVerify_ReportsFirstBadOnGarbage(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryLog()
	l, err := Open(ctx, log)
	require.NoError(t, err)
	_, err = l.Append(ctx, EventGateVerdict, payload{}, DecisionAdmit)
	require.NoError(t, err)
	_, err = log.Append(ctx, []byte("not an entry"))
	require.NoError(t, err)

	entries, _, rep, err := Verify(ctx, log)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Len(t, entries, 1)
	assert.Equal(t, uint64(2), rep.FirstBad)
}

func TestVerifyChain_DetectsStoreDivergence(t *testing.T) {
	ctx := context.Background()
	l, log := openMemory(t)
	_, err := l.Append(ctx, EventGateVerdict, payload{}, DecisionAdmit)
	require.NoError(t, err)

	// a second writer sneaking a valid-looking entry in is still a divergence
	other, err := Open(ctx, log)
	require.NoError(t, err)
	_, err = other.Append(ctx, EventGateVerdict, payload{"intruder", 0}, DecisionAdmit)
	require.NoError(t, err)

	_, err = l.VerifyChain(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l, _ := openMemory(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := l.Append(ctx, EventDispatchSuccess, payload{"p", float64(i*100 + j)}, DecisionAdmit)
				assert.NoError(t, err)
				_ = l.Head()
				_ = l.Entries(1, 10)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(400), l.Len())
	rep, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), rep.Entries)
	for i, e := range l.Entries(1, 400) {
		assert.Equal(t, uint64(i+1), e.SequenceNo)
	}
}

func TestEntriesPaging(t *testing.T) {
	ctx := context.Background()
	l, _ := openMemory(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, EventGateVerdict, map[string]int{"i": i}, DecisionAdmit)
		require.NoError(t, err)
	}
	page := l.Entries(2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].SequenceNo)
	assert.Len(t, l.Entries(4, 100), 2)
	assert.Empty(t, l.Entries(6, 1))
	assert.Empty(t, l.Entries(1, 0))

	_, err := l.Get(0)
	assert.Error(t, err)
	e, err := l.Get(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.SequenceNo)
}
