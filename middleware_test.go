package bouncer_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/parkerroan/bouncer"
	"github.com/parkerroan/bouncer/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddleware(t *testing.T) {
	clock := timer.NewManual(epoch)
	calls := map[string]int{}

	g, err := bouncer.NewGroup(
		func(key string) { calls[key]++ },
		bouncer.WithEvery(30*ms),
		bouncer.WithClock(clock),
		bouncer.WithLogger(discardLogger),
	)
	require.NoError(t, err)

	r := mux.NewRouter()
	sub := r.PathPrefix("/touch").Subrouter()
	sub.Use(bouncer.HTTPMiddleware(g, func(r *http.Request) string {
		return mux.Vars(r)["key"]
	}))
	served := 0
	sub.HandleFunc("/{key}", func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/touch/user1", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	assert.Equal(t, 5, served, "every request is passed on")
	assert.Equal(t, 1, calls["user1"], "leading call only")
	assert.True(t, g.Active("user1"))

	clock.Advance(30 * ms)
	assert.Equal(t, 2, calls["user1"], "trailing flush")
}

func TestHTTPMiddleware_EmptyKey(t *testing.T) {
	g, err := bouncer.NewGroup(nil, bouncer.WithAfter(30*ms))
	require.NoError(t, err)

	handler := bouncer.HTTPMiddleware(g, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, g.Len())
}
