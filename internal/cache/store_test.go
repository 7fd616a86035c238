package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
)

const testAuthority = "https://login.example.com/common"

func atRecord(resource, userID string) TokenRecord {
	return TokenRecord{
		Authority:     testAuthority,
		ClientID:      "abc",
		Resource:      resource,
		UserID:        userID,
		DisplayableID: userID + "@example.com",
		AccessToken:   "at-" + resource + "-" + userID,
		RefreshToken:  "rt-" + resource + "-" + userID,
		ExpiresOn:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func newTestStore(opts ...StoreOption) *Store {
	return NewStore(append([]StoreOption{WithStoreLogger(zap.NewNop().Sugar())}, opts...)...)
}

func TestStorePutOverwritesSameKey(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	first := atRecord("https://api.example.com", "u1")
	second := first
	second.AccessToken = "newer"
	second.Authority = "HTTPS://LOGIN.EXAMPLE.COM/common/"

	require.NoError(t, s.Put(first))
	require.NoError(t, s.Put(second))

	items, err := s.AllItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "newer", items[0].AccessToken)
}

func TestStoreRemoveItem(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	rec := atRecord("https://api.example.com", "u1")
	require.NoError(t, s.Put(rec))

	require.NoError(t, s.RemoveItem(rec))
	err := s.RemoveItem(rec)
	require.Error(t, err)
	assert.True(t, autherr.IsCache(err))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	mrrt := atRecord("", "u1")
	mrrt.AccessToken = ""
	mrrt.MultiResource = true
	require.NoError(t, s.Put(atRecord("https://api.example.com", "u1"), atRecord("https://graph.example.com", "u2"), mrrt))

	data, err := s.Serialize()
	require.NoError(t, err)

	restored := newTestStore()
	require.NoError(t, restored.Deserialize(data))

	want, err := s.AllItems()
	require.NoError(t, err)
	got, err := restored.AllItems()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreDeserializeFailureKeepsState(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	rec := atRecord("https://api.example.com", "u1")
	require.NoError(t, s.Put(rec))

	for name, data := range map[string][]byte{
		"garbage":         []byte("{not json"),
		"unknown version": []byte(`{"version":99,"tokens":[]}`),
		"missing client":  []byte(`{"version":1,"tokens":[{"authority":"https://a"}]}`),
	} {
		err := s.Deserialize(data)
		require.Error(t, err, name)
		assert.True(t, autherr.IsCache(err), name)
	}

	items, err := s.AllItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, rec.AccessToken, items[0].AccessToken)
}

func TestStoreDeserializeEmptyResets(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	require.NoError(t, s.Put(atRecord("https://api.example.com", "u1")))
	require.NoError(t, s.Deserialize(nil))
	assert.Equal(t, 0, s.Len())
}

type recordingDelegate struct {
	mu        sync.Mutex
	calls     []string
	accessErr error
	writeErr  error
	didErr    error
}

func (d *recordingDelegate) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *recordingDelegate) WillAccessCache(*Store) error { d.record("willAccess"); return d.accessErr }
func (d *recordingDelegate) DidAccessCache(*Store)        { d.record("didAccess") }
func (d *recordingDelegate) WillWriteCache(*Store) error  { d.record("willWrite"); return d.writeErr }
func (d *recordingDelegate) DidWriteCache(*Store) error   { d.record("didWrite"); return d.didErr }

func TestStoreBracketsWithDelegateHooks(t *testing.T) {
	t.Parallel()

	d := &recordingDelegate{}
	s := newTestStore(WithDelegate(d))

	require.NoError(t, s.Put(atRecord("https://api.example.com", "u1")))
	_, err := s.AllItems()
	require.NoError(t, err)
	_, err = s.RemoveWhere(func(TokenRecord) bool { return true })
	require.NoError(t, err)

	assert.Equal(t, []string{"willWrite", "didWrite", "willAccess", "didAccess", "willWrite", "didWrite"}, d.calls)
}

func TestStoreDelegateFailures(t *testing.T) {
	t.Parallel()

	d := &recordingDelegate{accessErr: errors.New("keychain locked")}
	s := newTestStore(WithDelegate(d))
	_, err := s.AllItems()
	assert.True(t, autherr.IsCache(err))

	d.accessErr = nil
	d.writeErr = errors.New("keychain locked")
	err = s.Put(atRecord("https://api.example.com", "u1"))
	assert.True(t, autherr.IsCache(err))
	assert.Equal(t, 0, s.Len())

	d.writeErr = nil
	d.didErr = errors.New("disk full")
	err = s.Put(atRecord("https://api.example.com", "u1"))
	assert.True(t, autherr.IsCache(err))
	assert.Equal(t, 1, s.Len(), "in-memory copy stays authoritative")
}

// A delegate may call back into the store from its hooks.
type reloadingDelegate struct {
	blob []byte
}

func (d *reloadingDelegate) WillAccessCache(s *Store) error { return s.Deserialize(d.blob) }
func (*reloadingDelegate) DidAccessCache(*Store)            {}
func (d *reloadingDelegate) WillWriteCache(s *Store) error  { return s.Deserialize(d.blob) }
func (d *reloadingDelegate) DidWriteCache(s *Store) error {
	data, err := s.Serialize()
	d.blob = data
	return err
}

func TestStoreHooksMayReenter(t *testing.T) {
	t.Parallel()

	d := &reloadingDelegate{}
	s := newTestStore(WithDelegate(d))
	require.NoError(t, s.Put(atRecord("https://api.example.com", "u1")))

	other := newTestStore(WithDelegate(d))
	items, err := other.AllItems()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Put(atRecord("https://api.example.com", string(rune('a'+i))))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.AllItems()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}
