package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSplit builds a finalized split whose records are named prefix+a,
// prefix+b, ... with the given lengths.
func writeSplit(t *testing.T, out storage.Directory, split, prefix string, lengths ...int) {
	t.Helper()
	b, err := out.NewBuilder(split)
	require.NoError(t, err)
	for i, l := range lengths {
		rec := models.NewRecord(prefix+string(rune('a'+i)), l, float64(l)/100)
		rec.Features["f0"] = models.FloatFeature(make([]float64, l))
		require.NoError(t, b.AddItem(rec))
	}
	require.NoError(t, b.Finalize())
	require.NoError(t, out.WriteLengths(split, lengths))
}

func binarizedConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	out := storage.Directory{Path: dir}

	writeSplit(t, out, "train", "train", 30, 40, 50, 20, 10)
	writeSplit(t, out, "valid", "valid", 25, 35)
	require.NoError(t, storage.WriteSpeakerMap(dir, map[string]int{"opencpop": 0}))

	return &config.Config{
		BinaryDataDir: dir,
		Seed:          1234,
		Batching: config.BatchingConfig{
			MaxBatchFrames:        80,
			MaxBatchSize:          2,
			MaxValBatchFrames:     -1,
			MaxValBatchSize:       -1,
			FrameCountGrid:        6,
			AccumulateGradBatches: 1,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, runner Runner) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	h := NewHandlers(cfg, hub, runner)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv, hub
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestSpeakerMapHandler(t *testing.T) {
	srv, _ := newTestServer(t, binarizedConfig(t), nil)

	var spkMap map[string]int
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/spk_map", &spkMap))
	assert.Equal(t, map[string]int{"opencpop": 0}, spkMap)

	empty, _ := newTestServer(t, &config.Config{BinaryDataDir: t.TempDir()}, nil)
	assert.Equal(t, http.StatusNotFound, getJSON(t, empty.URL+"/spk_map", nil))
}

func TestLengthsHandler(t *testing.T) {
	srv, _ := newTestServer(t, binarizedConfig(t), nil)

	var body struct {
		Split       string `json:"split"`
		Count       int    `json:"count"`
		TotalFrames int    `json:"total_frames"`
		Lengths     []int  `json:"lengths"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/lengths", &body))
	assert.Equal(t, "train", body.Split)
	assert.Equal(t, 5, body.Count)
	assert.Equal(t, 150, body.TotalFrames)
	assert.Equal(t, []int{30, 40, 50, 20, 10}, body.Lengths)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/splits/test/lengths", nil))
}

func TestItemHandler(t *testing.T) {
	srv, _ := newTestServer(t, binarizedConfig(t), nil)

	var rec models.Record
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/valid/items/1", &rec))
	assert.Equal(t, "validb", rec.Name)
	assert.Equal(t, 35, rec.Length)
	assert.Len(t, rec.Features["f0"].Floats, 35)

	// The split stays open between requests.
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/valid/items/0", &rec))
	assert.Equal(t, "valida", rec.Name)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/splits/valid/items/2", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/splits/valid/items/x", nil))
}

type batchesBody struct {
	Split   string  `json:"split"`
	Epoch   int     `json:"epoch"`
	Count   int     `json:"count"`
	Batches [][]int `json:"batches"`
}

func TestBatchesHandler(t *testing.T) {
	srv, _ := newTestServer(t, binarizedConfig(t), nil)

	var epoch0, again, epoch1 batchesBody
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/batches", &epoch0))
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/batches?epoch=0", &again))
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/batches?epoch=1", &epoch1))
	assert.Equal(t, epoch0.Batches, again.Batches)
	assert.Equal(t, 1, epoch1.Epoch)

	lengths := []int{30, 40, 50, 20, 10}
	for _, b := range epoch0.Batches {
		assert.LessOrEqual(t, len(b), 2)
		if len(b) > 1 {
			sum := 0
			for _, idx := range b {
				sum += lengths[idx]
			}
			assert.LessOrEqual(t, sum, 80)
		}
	}

	var valid batchesBody
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/valid/batches", &valid))
	assert.Equal(t, [][]int{{0}, {1}}, valid.Batches)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/splits/train/batches?rank=3&replicas=2", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/splits/train/batches?epoch=-1", nil))
}

type fakeRunner struct {
	mu      sync.Mutex
	started int
	running string
}

func (r *fakeRunner) Start(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return "", ErrRunInProgress
	}
	r.started++
	r.running = "run-" + strconv.Itoa(r.started)
	return r.running, nil
}

func (r *fakeRunner) Running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRunner) finish() {
	r.mu.Lock()
	r.running = ""
	r.mu.Unlock()
}

func TestStartRunHandler(t *testing.T) {
	srv, _ := newTestServer(t, binarizedConfig(t), &fakeRunner{})

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", body["run_id"])

	resp, err = http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	disabled, _ := newTestServer(t, binarizedConfig(t), nil)
	resp, err = http.Post(disabled.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestSplitsUnavailableDuringRun(t *testing.T) {
	cfg := binarizedConfig(t)
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, cfg, runner)

	var rec models.Record
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/items/0", &rec))
	assert.Equal(t, "traina", rec.Name)

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	for _, path := range []string{"/splits/train/items/0", "/splits/train/lengths", "/splits/valid/batches"} {
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+path, nil), path)
	}

	// The run rebuilds train underneath the server.
	writeSplit(t, storage.Directory{Path: cfg.BinaryDataDir}, "train", "new", 77)
	runner.finish()

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/items/0", &rec))
	assert.Equal(t, "newa", rec.Name)
	assert.Equal(t, 77, rec.Length)

	var lengths struct {
		Lengths []int `json:"lengths"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/splits/train/lengths", &lengths))
	assert.Equal(t, []int{77}, lengths.Lengths)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketStreamsProgress(t *testing.T) {
	srv, hub := newTestServer(t, binarizedConfig(t), nil)
	hub.Report(models.ProgressEvent{RunID: "r", Split: "valid", Status: models.StatusCompleted, Done: 2, Total: 2})

	conn := dial(t, srv)
	snapshot := readMessage(t, conn)
	assert.Equal(t, "snapshot", snapshot.Type)
	require.Len(t, snapshot.Splits, 1)
	assert.Equal(t, models.StatusCompleted, snapshot.Splits[0].Status)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	hub.Report(models.ProgressEvent{RunID: "r", Split: "train", Item: "x", Status: models.StatusProcessed, Done: 1, Total: 5})

	msg := readMessage(t, conn)
	assert.Equal(t, "progress", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "train", msg.Event.Split)
	assert.Equal(t, "x", msg.Event.Item)
	assert.Equal(t, 1, msg.Event.Done)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "bogus"}))
	assert.Equal(t, "error", readMessage(t, conn).Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHubSnapshotOrder(t *testing.T) {
	hub := NewHub()
	hub.Report(models.ProgressEvent{Split: "train", Status: models.StatusStarted})
	hub.Report(models.ProgressEvent{Split: "valid", Status: models.StatusCompleted})
	hub.Report(models.ProgressEvent{Split: "train", Status: models.StatusProcessed, Done: 3})

	snap := hub.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "valid", snap[0].Split)
	assert.Equal(t, 3, snap[1].Done)
}
