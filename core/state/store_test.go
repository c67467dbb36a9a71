package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/model"
)

func newTestStore(t *testing.T) (*Store, *Grant) {
	t.Helper()

	s := New([]byte("test-secret"))
	grant, err := s.IssueGrant("test", AllKeys(), []Op{OpRead, OpWrite})
	require.NoError(t, err)
	return s, grant
}

func TestUpdateKeyMismatch(t *testing.T) {
	s, grant := newTestStore(t)

	err := s.Update(grant, []Key{KeyBlackList}, func(cur Partial) (Partial, error) {
		return Partial{KeyWhiteList: map[common.Address]bool{}}, nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "blackList")
	assert.Contains(t, err.Error(), "whiteList")

	// The failed update must not have touched anything.
	p, err := s.Get(grant, KeyBlackList, KeyWhiteList)
	require.NoError(t, err)
	assert.Empty(t, AddressSet(p, KeyBlackList))
	assert.Empty(t, AddressSet(p, KeyWhiteList))
}

func TestUpdateErrorLeavesStateUntouched(t *testing.T) {
	s, grant := newTestStore(t)

	wantErr := fmt.Errorf("boom")
	err := s.Update(grant, []Key{KeyEntryCount}, func(cur Partial) (Partial, error) {
		counts := CloneEntryCount(cur)
		counts[common.HexToAddress("0x1")] = 99
		return Partial{KeyEntryCount: counts}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	p, err := s.Get(grant, KeyEntryCount)
	require.NoError(t, err)
	assert.Empty(t, EntryCount(p))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s, grant := newTestStore(t)

	// 10 concurrent inserts plus 5 concurrent counter increments against the
	// same keys must land without lost updates.
	const inserts = 10
	const increments = 5
	sender := common.HexToAddress("0xabc")

	var wg sync.WaitGroup
	for i := 0; i < inserts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Update(grant, []Key{KeyStandardPool}, func(cur Partial) (Partial, error) {
				pool := ClonePool(cur)
				hash := common.BytesToHash([]byte{byte(i)}).Hex()
				pool[hash] = &model.MempoolEntry{UserOpHash: common.HexToHash(hash)}
				return Partial{KeyStandardPool: pool}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < increments; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(grant, []Key{KeyEntryCount}, func(cur Partial) (Partial, error) {
				counts := CloneEntryCount(cur)
				counts[sender]++
				return Partial{KeyEntryCount: counts}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.Get(grant, KeyStandardPool, KeyEntryCount)
	require.NoError(t, err)
	assert.Len(t, Pool(p), inserts)
	assert.Equal(t, increments, EntryCount(p)[sender])
}

func TestGrantEnforcement(t *testing.T) {
	s := New([]byte("test-secret"))

	readOnly, err := s.IssueGrant("reader", []Key{KeyStandardPool}, []Op{OpRead})
	require.NoError(t, err)

	_, err = s.Get(readOnly, KeyStandardPool)
	assert.NoError(t, err)

	// No write permission.
	err = s.Update(readOnly, []Key{KeyStandardPool}, func(cur Partial) (Partial, error) {
		return cur, nil
	})
	assert.Error(t, err)

	// No grant for this key.
	_, err = s.Get(readOnly, KeyBlackList)
	assert.Error(t, err)

	// No grant at all.
	_, err = s.Get(nil, KeyStandardPool)
	assert.Error(t, err)

	// A grant minted by a different store (different secret) must not verify.
	other := New([]byte("other-secret"))
	foreign, err := other.IssueGrant("reader", []Key{KeyStandardPool}, []Op{OpRead})
	require.NoError(t, err)
	_, err = s.Get(foreign, KeyStandardPool)
	assert.Error(t, err)
}
