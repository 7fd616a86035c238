package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

func exerciseStorage(t *testing.T, s SecureStorage) {
	t.Helper()

	_, err := s.Get("svc", "tokens")
	assert.ErrorIs(t, err, ErrNoBlob)

	require.NoError(t, s.Set("svc", "tokens", []byte(`{"a":1}`)))
	require.NoError(t, s.Set("svc", "broker-pending", []byte("x")))

	got, err := s.Get("svc", "tokens")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	keys, err := s.ListKeys("svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"broker-pending", "tokens"}, keys)

	require.NoError(t, s.Delete("svc", "broker-pending"))
	assert.ErrorIs(t, s.Delete("svc", "broker-pending"), ErrNoBlob)

	keys, err = s.ListKeys("svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"tokens"}, keys)
}

func TestMemoryStorage(t *testing.T) {
	t.Parallel()
	exerciseStorage(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exerciseStorage(t, NewFileStorage(dir))

	info, err := os.Stat(filepath.Join(dir, "svc", "tokens.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStorageRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	s := NewFileStorage(t.TempDir())
	assert.Error(t, s.Set("svc", "../escape", []byte("x")))
	assert.Error(t, s.Set("..", "tokens", []byte("x")))
}

func TestFileStorageLockExcludes(t *testing.T) {
	t.Parallel()

	s := NewFileStorage(t.TempDir())
	unlock, err := s.Lock(context.Background(), "svc", "tokens")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := s.Lock(context.Background(), "svc", "tokens")
		if err == nil {
			second()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(300 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestKeyringStorage(t *testing.T) {
	keyring.MockInit()
	exerciseStorage(t, NewKeyringStorage())
	assert.True(t, KeyringAvailable("svc"))
}

func TestPersistentDelegateSharesCacheAcrossStores(t *testing.T) {
	t.Parallel()

	storage := NewFileStorage(t.TempDir())
	log := zap.NewNop().Sugar()

	first := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "team", log))), WithAccessorLogger(log))
	second := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "team", log))), WithAccessorLogger(log))
	otherGroup := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "solo", log))), WithAccessorLogger(log))

	require.NoError(t, first.UpdateCache(atRecord(apiResource, "u1")))
	require.NoError(t, second.UpdateCache(atRecord(graphResource, "u1")))

	items, err := first.AllItems()
	require.NoError(t, err)
	assert.Len(t, items, 2, "first store reloads the second's write")

	items, err = otherGroup.AllItems()
	require.NoError(t, err)
	assert.Empty(t, items)

	keys, err := storage.ListKeys(ServiceName("team"))
	require.NoError(t, err)
	assert.Equal(t, []string{CacheAccount}, keys)
}

func TestPersistentDelegateConcurrentWriters(t *testing.T) {
	t.Parallel()

	storage := NewFileStorage(t.TempDir())
	log := zap.NewNop().Sugar()
	a := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "team", log))), WithAccessorLogger(log))
	b := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "team", log))), WithAccessorLogger(log))

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.UpdateCache(atRecord(apiResource, "a"+string(rune('0'+i)))))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.UpdateCache(atRecord(apiResource, "b"+string(rune('0'+i)))))
		}()
	}
	wg.Wait()

	items, err := a.AllItems()
	require.NoError(t, err)
	assert.Len(t, items, 10)
}

func TestPersistentDelegateOverwritesCorruptBlob(t *testing.T) {
	t.Parallel()

	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(ServiceName("team"), CacheAccount, []byte("corrupt")))

	log := zap.NewNop().Sugar()
	a := NewAccessor(newTestStore(WithDelegate(NewPersistentDelegate(storage, "team", log))), WithAccessorLogger(log))

	_, err := a.AllItems()
	require.Error(t, err, "reads surface the unreadable blob")

	require.NoError(t, a.UpdateCache(atRecord(apiResource, "u1")))
	items, err := a.AllItems()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
