// Package store implements the encrypted local key-value store: a
// persistent map with two on-disk representations, plain and cipher, each
// written as a single full-rewrite file.
package store

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relaychat/relay/internal/crypto"
	"github.com/relaychat/relay/internal/serializer"
)

// dbAAD is the fixed additional authenticated data for cipher-mode store
// files.
var dbAAD = []byte("DB")

// ErrCorrupt is returned when an on-disk store file cannot be parsed or
// fails authentication.
var ErrCorrupt = errors.New("store: corrupt on-disk state")

// Store is a key-value map persisted to a single file, optionally
// encrypted at rest with a file-local AES-256-GCM key.
type Store struct {
	mu       sync.Mutex
	path     string
	keyPath  string // empty in plain mode
	cipher   bool
	key      []byte // 32 bytes, only set in cipher mode
	data     map[string]serializer.Value
}

// OpenPlain opens (or creates) a plain-mode store at path: a JSON document
// of tag-encoded values, no encryption at rest.
func OpenPlain(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]serializer.Value{}}
	if err := s.loadPlain(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenCipher opens (or creates) a cipher-mode store at path, with its
// AEAD key kept in the sibling file keyPath. If keyPath does not exist, a
// fresh 32-byte key is generated and written there.
func OpenCipher(path, keyPath string) (*Store, error) {
	s := &Store{path: path, keyPath: keyPath, cipher: true, data: map[string]serializer.Value{}}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	s.key = key
	if err := s.loadCipher(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil || len(key) != 32 {
			return nil, ErrCorrupt
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) loadPlain() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}

	var tagged map[string]string
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return ErrCorrupt
	}
	data := make(map[string]serializer.Value, len(tagged))
	for k, atom := range tagged {
		v, err := serializer.DecodeAtom(atom)
		if err != nil {
			return ErrCorrupt
		}
		data[k] = v
	}
	s.data = data
	return nil
}

func (s *Store) loadCipher() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return nil
	}

	rows, err := csv.NewReader(strings.NewReader(line)).ReadAll()
	if err != nil || len(rows) != 1 || len(rows[0]) != 3 {
		return ErrCorrupt
	}
	iv, err1 := hex.DecodeString(rows[0][0])
	ct, err2 := hex.DecodeString(rows[0][1])
	tag, err3 := hex.DecodeString(rows[0][2])
	if err1 != nil || err2 != nil || err3 != nil {
		return ErrCorrupt
	}

	pt, err := crypto.AEADDec(s.key, iv, ct, dbAAD, tag)
	if err != nil {
		return ErrCorrupt
	}
	data, err := serializer.DecodeRecordMap(pt)
	if err != nil {
		return ErrCorrupt
	}
	s.data = data
	return nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (serializer.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// Keys returns all keys currently in the store.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Insert sets key to v unconditionally, overwriting any existing value.
func (s *Store) Insert(key string, v serializer.Value) error {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return s.Save()
}

// Update merges v into the existing value at key when that value is a
// dict; otherwise it replaces the existing value, matching the same rule
// as Insert.
func (s *Store) Update(key string, v serializer.Value) error {
	s.mu.Lock()
	existing, ok := s.data[key]
	if ok && existing.Tag == serializer.TagDict && v.Tag == serializer.TagDict {
		merged := make(map[string]serializer.Value, len(existing.Dict)+len(v.Dict))
		for k, ev := range existing.Dict {
			merged[k] = ev
		}
		for k, nv := range v.Dict {
			merged[k] = nv
		}
		s.data[key] = serializer.Dict(merged)
	} else {
		s.data[key] = v
	}
	s.mu.Unlock()
	return s.Save()
}

// Mutate reads the current value at key (ok is false if absent), passes it
// to fn, and writes fn's result back, all under the store's single lock and
// followed by a Save — giving callers a way to perform read-modify-write
// sequences (OPK pop, offline-queue append, a logged_in flip) atomically
// with respect to concurrent readers and writers.
func (s *Store) Mutate(key string, fn func(v serializer.Value, ok bool) (serializer.Value, error)) error {
	s.mu.Lock()
	existing, ok := s.data[key]
	next, err := fn(existing, ok)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.data[key] = next
	s.mu.Unlock()
	return s.Save()
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return s.Save()
}

// Clear empties the store entirely.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.data = map[string]serializer.Value{}
	s.mu.Unlock()
	return s.Save()
}

// Save performs a full rewrite of the backing file. There is no journal:
// a crash between two saves loses at most one operation's worth of state,
// which is acceptable because message delivery is idempotent relative to
// the server's offline queue and ratchet advance is only committed after a
// successful decrypt or encrypt.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cipher {
		return s.saveCipherLocked()
	}
	return s.savePlainLocked()
}

func (s *Store) savePlainLocked() error {
	tagged := make(map[string]string, len(s.data))
	for k, v := range s.data {
		atom, err := serializer.EncodeAtom(v)
		if err != nil {
			return err
		}
		tagged[k] = atom
	}
	js, err := json.Marshal(tagged)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, js)
}

func (s *Store) saveCipherLocked() error {
	plain, err := serializer.EncodeRecordMap(s.data)
	if err != nil {
		return err
	}
	iv, ct, tag, err := crypto.AEADEnc(s.key, plain, dbAAD)
	if err != nil {
		return err
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{hex.EncodeToString(iv), hex.EncodeToString(ct), hex.EncodeToString(tag)}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeFileAtomic(s.path, []byte(sb.String()))
}

// writeFileAtomic replaces path's contents without ever leaving a reader
// to observe a partial write: it writes to a temp file in the same
// directory, fsyncs it, then renames it over path. The rename is what
// makes this atomic; a plain os.WriteFile truncates the destination
// before writing and can hand a concurrent reader a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
