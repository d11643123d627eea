package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
)

func writeSpoolFile(t *testing.T, dir, name, eventID string) string {
	t.Helper()
	env := testEnvelope(eventID)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSpoolEmitsExistingFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeSpoolFile(t, dir, "002.json", "evt-2")
	writeSpoolFile(t, dir, "001.json", "evt-1")

	src := NewSpoolSource(dir)
	out := make(chan envelope.Envelope, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Read(ctx, out) }()

	first := <-out
	second := <-out
	assert.Equal(t, "evt-1", first.Event.ExternalEventID)
	assert.Equal(t, "evt-2", second.Event.ExternalEventID)

	cancel()
	require.NoError(t, <-done)
}

func TestSpoolPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	src := NewSpoolSource(dir)
	out := make(chan envelope.Envelope, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Read(ctx, out) }()

	// Give the watcher a beat to attach before dropping the file.
	time.Sleep(50 * time.Millisecond)
	writeSpoolFile(t, dir, "later.json", "evt-later")

	select {
	case env := <-out:
		assert.Equal(t, "evt-later", env.Event.ExternalEventID)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never surfaced the new file")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSpoolAckRetiresFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSpoolFile(t, dir, "a.json", "evt-a")

	src := NewSpoolSource(dir)
	out := make(chan envelope.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Read(ctx, out) }()
	<-out
	cancel()
	require.NoError(t, <-done)

	src.Ack("evt-a")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + doneSuffix)
	assert.NoError(t, err)

	// Acking an unknown cursor (e.g. resumed checkpoint) is harmless.
	src.Ack("evt-a")
	src.Ack("never-seen")
}

func TestSpoolReadRangeReplaysArchive(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		env := testEnvelope(id)
		data, _ := json.Marshal(env)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"+doneSuffix), data, 0o644))
	}
	// A live (unconsumed) file must not appear in backfill output.
	writeSpoolFile(t, dir, "live.json", "evt-9")

	src := NewSpoolSource(dir)
	out := make(chan envelope.Envelope, 8)
	go func() {
		assert.NoError(t, src.ReadRange(context.Background(), "evt-1", "evt-3", out))
		close(out)
	}()

	var got []string
	for env := range out {
		got = append(got, env.Event.ExternalEventID)
	}
	assert.Equal(t, []string{"evt-2", "evt-3"}, got, "range is (from, until], lexical order")
}

func TestHTTPPollSourceFetchesEnvelopes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envs := []envelope.Envelope{testEnvelope("poll-1"), testEnvelope("poll-2")}
		json.NewEncoder(w).Encode(envs)
	}))
	defer ts.Close()

	src := NewHTTPPollSource(config.SourceConfig{URL: ts.URL, PollIntervalS: 3600})
	out := make(chan envelope.Envelope, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Read(ctx, out) }()

	first := <-out
	second := <-out
	assert.Equal(t, "poll-1", first.Event.ExternalEventID)
	assert.Equal(t, "poll-2", second.Event.ExternalEventID)

	cancel()
	require.NoError(t, <-done)
}

func TestHTTPPollSourceSurfacesServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer ts.Close()

	src := NewHTTPPollSource(config.SourceConfig{URL: ts.URL, PollIntervalS: 3600})
	err := src.Read(context.Background(), make(chan envelope.Envelope, 1))
	assert.Error(t, err)
}

func TestNewSourceKinds(t *testing.T) {
	spool, err := NewSource(&config.ConnectorConfig{Source: config.SourceConfig{Kind: "spool", Dir: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &SpoolSource{}, spool)

	poll, err := NewSource(&config.ConnectorConfig{Source: config.SourceConfig{Kind: "httppoll", URL: "http://x", PollIntervalS: 1}})
	require.NoError(t, err)
	assert.IsType(t, &HTTPPollSource{}, poll)

	_, err = NewSource(&config.ConnectorConfig{Source: config.SourceConfig{Kind: "carrier-pigeon"}})
	assert.Error(t, err)
}
