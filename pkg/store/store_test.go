package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offmesh/offmesh/pkg/session"
)

// newTestDir creates a temporary directory for testing and returns its path.
func newTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "offmesh-test-")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	return dir
}

func TestSaveLoadIdentity(t *testing.T) {
	dir := newTestDir(t)

	// 1. Test key generation when none exists
	privKey, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.NotNil(t, privKey)

	// 2. Test loading the same key
	loadedKey, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, privKey, loadedKey, "loaded key should be the same as the saved key")
}

func TestSaveLoadProfile(t *testing.T) {
	dir := newTestDir(t)

	// 1. Missing record is not an error
	_, ok, err := LoadProfile(dir)
	require.NoError(t, err)
	require.False(t, ok)

	// 2. Round-trip a record
	saved := session.Profile{
		DisplayName: "alice",
		StatusText:  "around",
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, SaveProfile(saved, dir))

	loaded, ok, err := LoadProfile(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, saved.DisplayName, loaded.DisplayName)
	require.Equal(t, saved.StatusText, loaded.StatusText)
	require.True(t, saved.CreatedAt.Equal(loaded.CreatedAt))
}

func TestThreadManager(t *testing.T) {
	dir := newTestDir(t)

	tm, err := NewThreadManager(dir)
	require.NoError(t, err)
	require.Empty(t, tm.List(), "fresh manager should have no threads")

	// 1. Upsert creates, then retitles in place
	tm.Upsert("peer-1", "Alice")
	tm.Upsert("peer-2", "Bob")
	tm.Upsert("peer-1", "Alice (work)")

	threads := tm.List()
	require.Len(t, threads, 2)
	require.Equal(t, "Alice (work)", threads[0].Title, "retitling must preserve list order")
	require.Equal(t, "peer-2", threads[1].PeerID)

	thread, ok := tm.Get("peer-2")
	require.True(t, ok)
	require.Equal(t, "Bob", thread.Title)
	_, ok = tm.Get("peer-unknown")
	require.False(t, ok)

	// 2. Persist and reload
	require.NoError(t, tm.Save())
	reloaded, err := NewThreadManager(dir)
	require.NoError(t, err)
	require.Equal(t, threads, reloaded.List())
}

func TestAppendAndLoadMessages(t *testing.T) {
	dir := newTestDir(t)
	tm, err := NewThreadManager(dir)
	require.NoError(t, err)
	peerID := "peer-1"

	// 1. Loading a non-existent log yields an empty history
	messages, err := tm.LoadRecentMessages(peerID, 10)
	require.NoError(t, err)
	require.Empty(t, messages, "should be no messages in a new log")

	// 2. Append some messages
	ts := time.Unix(1700000000, 0).UTC()
	msg1 := &session.ChatMessage{ID: "1", From: "peer-1", Text: "hello", Timestamp: ts}
	msg2 := &session.ChatMessage{ID: "2", From: "peer-1", Text: "world", Timestamp: ts}
	require.NoError(t, tm.AppendMessage(peerID, msg1))
	require.NoError(t, tm.AppendMessage(peerID, msg2))

	// 3. Load the messages back
	loaded, err := tm.LoadRecentMessages(peerID, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "hello", loaded[0].Text)
	require.Equal(t, "world", loaded[1].Text)

	// 4. Loading only the most recent N messages
	msg3 := &session.ChatMessage{ID: "3", From: "peer-1", Text: "newest", Timestamp: ts}
	require.NoError(t, tm.AppendMessage(peerID, msg3))
	loaded, err = tm.LoadRecentMessages(peerID, 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "world", loaded[0].Text)
	require.Equal(t, "newest", loaded[1].Text)
}
