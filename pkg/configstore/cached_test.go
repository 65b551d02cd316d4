package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslane/crosslane/pkg/cache"
)

func newCachedStore(t *testing.T) (*CachedStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	c := cache.NewMemoryCache(64)
	t.Cleanup(func() { c.Close() })
	return NewCachedStore(NewStore(db), c, time.Minute), mock
}

func TestCachedStoreGetPopulatesCache(t *testing.T) {
	cached, mock := newCachedStore(t)
	ctx := context.Background()

	config := testConfig()
	config.ID = "cfg-1"

	// Only the first read touches the database.
	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(config))

	first, err := cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	require.NoError(t, err)
	second, err := cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// The secret survives the cache round trip.
	assert.Equal(t, "shhh", second.OIDC.ClientSecret)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStoreUpdateInvalidatesBeforeReturning(t *testing.T) {
	cached, mock := newCachedStore(t)
	ctx := context.Background()

	config := testConfig()
	config.ID = "cfg-1"

	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(config))

	got, err := cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	require.NoError(t, err)
	assert.Equal(t, "Example IdP", got.DisplayName)

	// Update the display name; the enabled-conflict check and the UPDATE
	// run against the database, then the org's cache entries are dropped.
	updated := *config
	updated.DisplayName = "Renamed IdP"
	mock.ExpectQuery("SELECT id FROM sso_provider_configs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE sso_provider_configs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, cached.Update(ctx, &updated))

	// The very next read must observe the post-update value, served from
	// the authoritative store.
	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(&updated))

	got, err = cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	require.NoError(t, err)
	assert.Equal(t, "Renamed IdP", got.DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStoreDeleteInvalidates(t *testing.T) {
	cached, mock := newCachedStore(t)
	ctx := context.Background()

	config := testConfig()
	config.ID = "cfg-1"

	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(config))
	_, err := cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM sso_certificates").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM sso_provider_configs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, cached.Delete(ctx, config))

	// With the cache invalidated, the next read goes back to the store.
	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnError(ErrNotFound)
	_, err = cached.GetEnabled(ctx, "org1", ProtocolOIDC)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// deadCache simulates an unreachable cache backend: every read misses and
// every write is dropped.
type deadCache struct{}

func (deadCache) Get(ctx context.Context, key string) ([]byte, bool)                  { return nil, false }
func (deadCache) Set(ctx context.Context, key string, v []byte, ttl time.Duration)   {}
func (deadCache) Delete(ctx context.Context, key string)                              {}
func (deadCache) DeleteByPrefix(ctx context.Context, prefix string)                   {}
func (deadCache) Close() error                                                        { return nil }

func TestCachedStoreDegradesWithoutCache(t *testing.T) {
	db, mock := newMockDB(t)
	cached := NewCachedStore(NewStore(db), deadCache{}, time.Minute)
	ctx := context.Background()

	config := testConfig()
	config.ID = "cfg-1"

	// Every read falls through to the authoritative store; behavior is
	// identical to a permanent cache miss.
	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(config))
	mock.ExpectQuery("SELECT (.+) FROM sso_provider_configs").
		WillReturnRows(configRows(config))

	for i := 0; i < 2; i++ {
		got, err := cached.GetEnabled(ctx, "org1", ProtocolOIDC)
		require.NoError(t, err)
		assert.Equal(t, "cfg-1", got.ID)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
