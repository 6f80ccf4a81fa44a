package escrow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"EscrowLedger/internal/model"
	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

// Store persists ledger snapshots after each committed operation.
type Store interface {
	Save(s *model.Snapshot) error
}

// Document is the content of the state file: the ledger plus the in-memory
// collaborators holding its funds, saved together so they cannot drift.
type Document struct {
	Ledger model.Snapshot     `json:"ledger"`
	Token  *token.MemoryState `json:"token,omitempty"`
	Sink   *vesting.SinkState `json:"sink,omitempty"`
}

// FileStore keeps the latest Document as a JSON file. Token and Sink are
// optional.
type FileStore struct {
	Path  string
	Token *token.Memory
	Sink  *vesting.LockedSink

	mu   sync.Mutex
	last *model.Snapshot
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, tok *token.Memory, sink *vesting.LockedSink) *FileStore {
	return &FileStore{Path: path, Token: tok, Sink: sink}
}

// Save writes s together with the current collaborator state.
func (f *FileStore) Save(s *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.last = &cp
	return f.write()
}

// Flush rewrites the file with the last saved snapshot, picking up
// collaborator changes made outside ledger operations. It does nothing
// before the first Save.
func (f *FileStore) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	return f.write()
}

func (f *FileStore) write() error {
	doc := &Document{Ledger: *f.last}
	if f.Token != nil {
		st := f.Token.State()
		doc.Token = &st
	}
	if f.Sink != nil {
		st := f.Sink.State()
		doc.Sink = &st
	}
	return SaveState(f.Path, doc)
}

// LoadState reads a Document from a JSON file. It returns nil without error
// if the file doesn't exist.
func LoadState(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return &doc, nil
}

// SaveState writes doc next to filePath and renames it into place, so a
// crash mid-write leaves the previous file intact.
func SaveState(filePath string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}

// Restore rebuilds the ledger context from doc and loads the collaborator
// state into tok and sink. A ledger that holds funds cannot be restored
// without the token balances that back it.
func (doc *Document) Restore(tok *token.Memory, sink *vesting.LockedSink) (Context, error) {
	c, err := FromSnapshot(doc.Ledger)
	if err != nil {
		return Context{}, err
	}
	if doc.Token == nil {
		if holdsFunds(c) {
			return Context{}, fmt.Errorf("escrow: state file has ledger balances but no token state")
		}
	} else if err := tok.Restore(*doc.Token); err != nil {
		return Context{}, err
	}
	if doc.Sink != nil {
		if err := sink.Restore(*doc.Sink); err != nil {
			return Context{}, err
		}
	} else if len(c.Claimed) > 0 {
		return Context{}, fmt.Errorf("escrow: state file has settled claims but no vesting state")
	}
	return c, nil
}

func holdsFunds(c Context) bool {
	return !orZero(c.TotalDeposited).IsZero() || !orZero(c.RewardPool).IsZero() ||
		!orZero(c.CustodyWithdrawn).IsZero() || !orZero(c.CustodyReturned).IsZero() ||
		len(c.Claimed) > 0
}
