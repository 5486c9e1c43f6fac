package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	tests := map[string]struct {
		checkers []Checker
		healthy  bool
	}{
		"no checkers": {
			healthy: true,
		},
		"all healthy": {
			checkers: []Checker{CheckerFunc(func() error { return nil }), CheckerFunc(func() error { return nil })},
			healthy:  true,
		},
		"one failing": {
			checkers: []Checker{CheckerFunc(func() error { return nil }), CheckerFunc(func() error { return errors.New("broker down") })},
			healthy:  false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := NewMultiChecker(tc.checkers...).Check()
			if tc.healthy {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStartupCompleteChecker(t *testing.T) {
	c := &StartupCompleteChecker{}
	assert.Error(t, c.Check())
	c.MarkComplete()
	assert.NoError(t, c.Check())
}

func TestHttpHandler(t *testing.T) {
	startup := &StartupCompleteChecker{}
	mux := http.NewServeMux()
	SetupHttpMux(mux, NewMultiChecker(startup))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "startup is not complete")

	startup.MarkComplete()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
