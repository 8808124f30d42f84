package mgmt

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khozyainov/andy/internal/gm"
	"github.com/khozyainov/andy/internal/health"
)

type stubIntrospector struct {
	snaps []gm.Snapshot
}

func (s *stubIntrospector) Snapshots() []gm.Snapshot { return s.snaps }

func (s *stubIntrospector) Snapshot(name string) (gm.Snapshot, bool) {
	for _, snap := range s.snaps {
		if snap.Name == name {
			return snap, true
		}
	}
	return gm.Snapshot{}, false
}

func testServer() *Server {
	intro := &stubIntrospector{snaps: []gm.Snapshot{
		{Name: "wellbeing", HyperPrior: true, RoundIndex: 4},
		{Name: "navigation", RoundIndex: 9},
	}}
	return NewServer(":0", intro, health.NewChecker(nil, nil, zerolog.Nop()), zerolog.Nop())
}

func TestServerHealthz(t *testing.T) {
	srv := testServer()
	resp, err := srv.app.Test(httptest.NewRequest("GET", "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerReadyz(t *testing.T) {
	srv := testServer()
	resp, err := srv.app.Test(httptest.NewRequest("GET", "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerListGMs(t *testing.T) {
	srv := testServer()
	resp, err := srv.app.Test(httptest.NewRequest("GET", "/api/gms", nil), -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		GMs []gm.Snapshot `json:"gms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.GMs, 2)
}

func TestServerGetGM(t *testing.T) {
	srv := testServer()

	resp, err := srv.app.Test(httptest.NewRequest("GET", "/api/gms/wellbeing", nil), -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var snap gm.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "wellbeing", snap.Name)
	assert.True(t, snap.HyperPrior)

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/gms/ghost", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}
