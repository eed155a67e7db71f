package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"support-assistant/internal/config"
	"support-assistant/internal/integrations/paramstore"
	"support-assistant/internal/repository"
)

type fakeParams map[string]string

func (f fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", paramstore.ErrNotFound
	}
	return v, nil
}

func testConfig(dsn string) config.Config {
	return config.Config{
		StoreDriver: config.StoreSQLite,
		DatabaseDSN: dsn,
		Policy:      config.DefaultPolicy(),
	}
}

func TestBuild_SQLiteServesGuestSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig("file:app_build?mode=memory&cache=shared")
	cfg.JWTSecret = "secret"

	a, err := Build(context.Background(), cfg, nil, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rec := httptest.NewRecorder()
	a.Handler.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session/guest", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuild_JWTSecretFromParameterStore(t *testing.T) {
	store, err := repository.OpenSQL(repository.DriverSQLite, "file:app_params?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig("")
	cfg.ParamPrefix = "/support"
	params := fakeParams{"/support/jwt_secret": "from-ssm"}

	a, err := Build(context.Background(), cfg, nil, Dependencies{Store: store, Params: params})
	require.NoError(t, err)
	require.Same(t, store, a.Store)
}

func TestBuild_RequiresJWTSecret(t *testing.T) {
	store, err := repository.OpenSQL(repository.DriverSQLite, "file:app_nosecret?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = Build(context.Background(), testConfig(""), nil, Dependencies{Store: store})
	require.Error(t, err)

	cfg := testConfig("")
	cfg.ParamPrefix = "/support"
	_, err = Build(context.Background(), cfg, nil, Dependencies{Store: store, Params: fakeParams{}})
	require.ErrorContains(t, err, "/support/jwt_secret")
}

func TestBuild_RejectsUnknownDriver(t *testing.T) {
	cfg := testConfig("")
	cfg.StoreDriver = "postgres"
	cfg.JWTSecret = "secret"
	_, err := Build(context.Background(), cfg, nil, Dependencies{})
	require.Error(t, err)
}
