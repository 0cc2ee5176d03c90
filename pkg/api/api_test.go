package api

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	self   types.NodeInfo
	peers  []types.NodeInfo
	values map[string][]byte
}

func (f *fakeNode) Self() types.NodeInfo    { return f.self }
func (f *fakeNode) Peers() []types.NodeInfo { return f.peers }
func (f *fakeNode) LocalValue(key []byte) ([]byte, bool) {
	v, ok := f.values[string(key)]
	return v, ok
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeNode) {
	t.Helper()
	node := &fakeNode{
		self: types.NewNodeInfo(types.RandomID(), "127.0.0.1:4000"),
		peers: []types.NodeInfo{
			types.NewNodeInfo(types.RandomID(), "10.0.0.1:4000"),
			types.NewNodeInfo(types.RandomID(), "10.0.0.2:4000"),
		},
		values: map[string][]byte{"k": []byte("v")},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := httptest.NewServer(New(node, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, node
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestStatus(t *testing.T) {
	srv, node := newTestServer(t)
	resp, body := get(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, node.self.ID.String(), status.ID)
	assert.Equal(t, "127.0.0.1:4000", status.Address)
	assert.Equal(t, 2, status.Peers)
}

func TestPeers(t *testing.T) {
	srv, node := newTestServer(t)
	_, body := get(t, srv.URL+"/peers")

	var peers []peerResponse
	require.NoError(t, json.Unmarshal(body, &peers))
	require.Len(t, peers, 2)
	assert.Equal(t, node.peers[0].ID.String(), peers[0].ID)
	assert.Equal(t, "10.0.0.2:4000", peers[1].Address)
}

func TestValues(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{name: "held", key: hex.EncodeToString([]byte("k")), status: http.StatusOK, body: "v"},
		{name: "missing", key: hex.EncodeToString([]byte("other")), status: http.StatusNotFound},
		{name: "not hex", key: "zz", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+"/values/"+tt.key)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				assert.Equal(t, tt.body, string(body))
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/status", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
