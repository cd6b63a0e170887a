// Package pairing persists peer identities, their public keys and the
// per-driver connection details across restarts.
package pairing

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// InstanceInfo is the persisted per-driver-instance connection detail of a
// paired peer.
type InstanceInfo struct {
	RemoteIP    string            `json:"remote_ip,omitempty"`
	MavlinkPort uint16            `json:"mavlink_port,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Record is one paired peer. A peer paired over a simplified driver has an
// empty public key.
type Record struct {
	Name        string                  `json:"name"`
	PublicKey   string                  `json:"public_key"`
	Autoconnect bool                    `json:"autoconnect"`
	Drivers     map[string]InstanceInfo `json:"drivers,omitempty"`

	// extra preserves fields written by newer versions.
	extra map[string]json.RawMessage
}

var recordKnownKeys = []string{"name", "public_key", "autoconnect", "drivers"}

// UnmarshalJSON keeps unknown fields so they survive a load/save cycle.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range recordKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// MarshalJSON folds preserved unknown fields back into the output.
func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	data, err := json.Marshal((*plain)(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (r *Record) clone() *Record {
	out := *r
	out.Drivers = make(map[string]InstanceInfo, len(r.Drivers))
	for k, v := range r.Drivers {
		out.Drivers[k] = v
	}
	return &out
}

// storeFile is the on-disk document.
type storeFile struct {
	MachineName   string    `json:"machine_name,omitempty"`
	PublicKey     string    `json:"public_key,omitempty"`
	PrivateKey    string    `json:"private_key,omitempty"`
	EncryptionKey string    `json:"encryption_key,omitempty"`
	LastConnected string    `json:"last_connected,omitempty"`
	Paired        []*Record `json:"paired"`
}

var fileKnownKeys = []string{
	"machine_name", "public_key", "private_key",
	"encryption_key", "last_connected", "paired",
}

// Store is the persistent pairing database. Every mutation writes the file
// atomically; write failures degrade the store to in-memory only.
type Store struct {
	mu sync.Mutex

	path          string
	machineName   string
	publicKey     string
	privateKey    string
	encryptionKey string
	lastConnected string
	records       map[string]*Record
	extra         map[string]json.RawMessage
}

// Open loads the store from path, creating an empty one when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pairing file: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pairing file: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for _, k := range fileKnownKeys {
			delete(raw, k)
		}
		if len(raw) > 0 {
			s.extra = raw
		}
	}

	s.machineName = file.MachineName
	s.publicKey = file.PublicKey
	s.privateKey = file.PrivateKey
	s.encryptionKey = file.EncryptionKey
	s.lastConnected = file.LastConnected
	for _, rec := range file.Paired {
		if rec.Name == "" {
			continue
		}
		s.records[rec.Name] = rec
	}
	return s, nil
}

// save writes the file atomically. Called with the mutex held.
func (s *Store) save() {
	file := storeFile{
		MachineName:   s.machineName,
		PublicKey:     s.publicKey,
		PrivateKey:    s.privateKey,
		EncryptionKey: s.encryptionKey,
		LastConnected: s.lastConnected,
		Paired:        make([]*Record, 0, len(s.records)),
	}
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		file.Paired = append(file.Paired, s.records[name])
	}

	data, err := json.Marshal(&file)
	if err != nil {
		log.Printf("pairing store: failed to marshal: %v", err)
		return
	}
	if len(s.extra) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(data, &merged); err == nil {
			for k, v := range s.extra {
				if _, taken := merged[k]; !taken {
					merged[k] = v
				}
			}
			if remarshalled, err := json.Marshal(merged); err == nil {
				data = remarshalled
			}
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pairing-*")
	if err != nil {
		log.Printf("pairing store: failed to create temp file: %v", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		log.Printf("pairing store: failed to write: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		log.Printf("pairing store: failed to close temp file: %v", err)
		return
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		log.Printf("pairing store: failed to replace %s: %v", s.path, err)
	}
}

// Identity returns the persisted PEM key pair.
func (s *Store) Identity() (publicKey, privateKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicKey, s.privateKey
}

// SetIdentity persists the machine name and PEM key pair.
func (s *Store) SetIdentity(machineName, publicKey, privateKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machineName = machineName
	s.publicKey = publicKey
	s.privateKey = privateKey
	s.save()
}

// EncryptionKey returns the persisted symmetric key material.
func (s *Store) EncryptionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptionKey
}

// SetEncryptionKey persists the symmetric key material.
func (s *Store) SetEncryptionKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptionKey = key
	s.save()
}

// LastConnected returns the name of the peer that connected last.
func (s *Store) LastConnected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnected
}

// SetLastConnected persists the last connected peer name.
func (s *Store) SetLastConnected(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastConnected == name {
		return
	}
	s.lastConnected = name
	s.save()
}

// List returns the sorted names of all paired peers.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of a pairing record.
func (s *Store) Get(name string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Put stores a pairing record, replacing any previous record with the same
// name. Re-pairing with a new key overwrites the old binding.
func (s *Store) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Drivers == nil {
		rec.Drivers = make(map[string]InstanceInfo)
	}
	s.records[rec.Name] = rec.clone()
	s.save()
}

// Remove deletes a pairing record. Returns false when the peer was unknown.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return false
	}
	delete(s.records, name)
	if s.lastConnected == name {
		s.lastConnected = ""
	}
	s.save()
	return true
}

// Autoconnect returns the autoconnect flag of a paired peer.
func (s *Store) Autoconnect(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return ok && rec.Autoconnect
}

// SetAutoconnect updates the autoconnect flag. Returns true when the value
// changed.
func (s *Store) SetAutoconnect(name string, autoconnect bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || rec.Autoconnect == autoconnect {
		return false
	}
	rec.Autoconnect = autoconnect
	s.save()
	return true
}

// SetInstanceRemoteIP updates the remote IP recorded for one driver
// instance of a paired peer.
func (s *Store) SetInstanceRemoteIP(name, instance, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	if rec.Drivers == nil {
		rec.Drivers = make(map[string]InstanceInfo)
	}
	info := rec.Drivers[instance]
	if info.RemoteIP == ip {
		return
	}
	info.RemoteIP = ip
	rec.Drivers[instance] = info
	s.save()
}

// SetInstanceInfo replaces the stored detail of one driver instance.
func (s *Store) SetInstanceInfo(name, instance string, info InstanceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	if rec.Drivers == nil {
		rec.Drivers = make(map[string]InstanceInfo)
	}
	rec.Drivers[instance] = info
	s.save()
}
