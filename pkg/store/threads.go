package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/offmesh/offmesh/pkg/session"
)

// Thread is one chat conversation: the remote peer plus a display title.
type Thread struct {
	PeerID string `json:"peer_id"`
	Title  string `json:"title"`
}

// ThreadManager keeps the ordered thread list, persisted as a JSON file.
// Message bodies live in per-thread JSONL logs next to it.
type ThreadManager struct {
	threads []Thread
	lock    sync.RWMutex
	baseDir string
}

// NewThreadManager loads the thread list from the data directory.
func NewThreadManager(baseDir string) (*ThreadManager, error) {
	dir, err := DataDir(baseDir)
	if err != nil {
		return nil, err
	}
	tm := &ThreadManager{baseDir: dir}
	if err := tm.load(); err != nil {
		return nil, err
	}
	return tm, nil
}

func (tm *ThreadManager) load() error {
	tm.lock.Lock()
	defer tm.lock.Unlock()

	file, err := os.ReadFile(filepath.Join(tm.baseDir, threadsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			tm.threads = []Thread{}
			return nil
		}
		return err
	}

	return json.Unmarshal(file, &tm.threads)
}

// Save writes the thread list back to disk.
func (tm *ThreadManager) Save() error {
	tm.lock.RLock()
	defer tm.lock.RUnlock()

	if err := os.MkdirAll(tm.baseDir, 0700); err != nil {
		return err
	}
	file, err := json.MarshalIndent(tm.threads, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(tm.baseDir, threadsFileName), file, 0644)
}

// Upsert creates the thread for a peer or retitles an existing one,
// preserving list order.
func (tm *ThreadManager) Upsert(peerID, title string) {
	tm.lock.Lock()
	defer tm.lock.Unlock()

	for i, t := range tm.threads {
		if t.PeerID == peerID {
			tm.threads[i].Title = title
			return
		}
	}
	tm.threads = append(tm.threads, Thread{PeerID: peerID, Title: title})
}

// Get returns the thread for a peer.
func (tm *ThreadManager) Get(peerID string) (Thread, bool) {
	tm.lock.RLock()
	defer tm.lock.RUnlock()

	for _, t := range tm.threads {
		if t.PeerID == peerID {
			return t, true
		}
	}
	return Thread{}, false
}

// List returns all threads in order.
func (tm *ThreadManager) List() []Thread {
	tm.lock.RLock()
	defer tm.lock.RUnlock()

	out := make([]Thread, len(tm.threads))
	copy(out, tm.threads)
	return out
}

// AppendMessage appends a message to the thread's JSONL log.
func (tm *ThreadManager) AppendMessage(peerID string, msg *session.ChatMessage) error {
	logsDir := filepath.Join(tm.baseDir, logsDirName)
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		return err
	}

	logFile := filepath.Join(logsDir, fmt.Sprintf("%s.jsonl", peerID))
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	jsonBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = f.WriteString(string(jsonBytes) + "\n")
	return err
}

// LoadRecentMessages loads the last count messages of a thread, oldest
// first. A missing log is an empty history, not an error.
func (tm *ThreadManager) LoadRecentMessages(peerID string, count int) ([]session.ChatMessage, error) {
	logFile := filepath.Join(tm.baseDir, logsDirName, fmt.Sprintf("%s.jsonl", peerID))

	file, err := os.Open(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []session.ChatMessage
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var msg session.ChatMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil {
			messages = append(messages, msg)
		}
	}

	if len(messages) > count {
		return messages[len(messages)-count:], nil
	}
	return messages, nil
}
