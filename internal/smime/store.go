// Package smime signs outgoing messages with S/MIME when the sender owns a
// signing identity in the configured keystore.
//
// The package is built from four parts:
//
//   - Store: an immutable identity → key entry mapping loaded from a Java
//     keystore (JKS) or a PKCS#12 file
//   - identity resolution: first sender address present in the store
//   - key password resolution: identity override, local-part override,
//     keystore password
//   - the transform that wraps a message into multipart/signed
//
// Signer ties them together and never fails from the caller's point of view:
// every error path hands back the original message.
package smime

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoKeystore       = errors.New("no keystore file or password configured")
	ErrIdentityNotFound = errors.New("no signing identity for address")
	ErrNoCertificate    = errors.New("key entry has no certificate")
	ErrUnsupportedKey   = errors.New("unsupported private key type")
)

// Keystore formats understood by LoadStore.
const (
	KeystoreJKS    = "jks"
	KeystorePKCS12 = "pkcs12"
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Credential is an unlocked signing identity. Chain[0] is the signer
// certificate; any further entries are its issuers.
type Credential struct {
	PrivateKey crypto.PrivateKey
	Chain      []*x509.Certificate
}

// Certificate returns the signer certificate, or nil.
func (c *Credential) Certificate() *x509.Certificate {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// Entry pairs an identity with an already unlocked credential.
type Entry struct {
	Identity   string
	Credential *Credential
}

// keyEntry is a possibly locked key held by the store.
type keyEntry interface {
	unlock(password string) (*Credential, error)
}

type storeEntry struct {
	identity string
	key      keyEntry
}

// Store maps identities to signing keys. It is read-only after construction
// and safe for concurrent use.
//
// Lookups scan the entries in load order and the first case-insensitive
// match wins. The store does not reject duplicate identities; a later
// duplicate is simply unreachable.
type Store struct {
	entries []storeEntry
}

// NewStore builds a store from unlocked credentials, keeping their order.
func NewStore(entries ...Entry) *Store {
	s := &Store{}
	for _, e := range entries {
		s.add(e.Identity, unlockedEntry{cred: e.Credential})
	}
	return s
}

func (s *Store) add(identity string, key keyEntry) {
	s.entries = append(s.entries, storeEntry{
		identity: strings.ToLower(strings.TrimSpace(identity)),
		key:      key,
	})
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Identities returns the identities in lookup order.
func (s *Store) Identities() []string {
	ids := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		ids = append(ids, e.identity)
	}
	return ids
}

// Lookup returns the store's spelling of address if the store holds it.
func (s *Store) Lookup(address string) (string, bool) {
	if e := s.find(address); e != nil {
		return e.identity, true
	}
	return "", false
}

// Credential unlocks the key of identity with password.
func (s *Store) Credential(identity, password string) (*Credential, error) {
	e := s.find(identity)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identity)
	}
	return e.key.unlock(password)
}

func (s *Store) find(address string) *storeEntry {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	for i := range s.entries {
		if strings.EqualFold(s.entries[i].identity, address) {
			return &s.entries[i]
		}
	}
	return nil
}

// LoadStore opens the keystore described by props. Missing location or
// password yields ErrNoKeystore.
func LoadStore(props Properties) (*Store, error) {
	path := strings.TrimSpace(props.lookup(PropKeystoreFile))
	password := props.lookup(PropKeystorePassword)
	if path == "" || strings.TrimSpace(password) == "" {
		return nil, ErrNoKeystore
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	switch keystoreType(props.lookup(PropKeystoreType), path) {
	case KeystorePKCS12:
		return LoadPKCS12(data, password)
	default:
		return LoadJKS(bytes.NewReader(data), password)
	}
}

// keystoreType returns the explicit type, or guesses it from the file name.
func keystoreType(explicit, path string) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "pkcs12", "p12", "pfx":
		return KeystorePKCS12
	case "jks":
		return KeystoreJKS
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return KeystorePKCS12
	}
	return KeystoreJKS
}

// LoadJKS reads a Java keystore. Every private key entry becomes an
// identity named by its alias; keys stay encrypted until unlocked.
func LoadJKS(r io.Reader, password string) (*Store, error) {
	ks := keystore.New(keystore.WithOrderedAliases())
	if err := ks.Load(r, []byte(password)); err != nil {
		return nil, fmt.Errorf("failed to load JKS keystore: %w", err)
	}

	s := &Store{}
	for _, alias := range ks.Aliases() {
		if !ks.IsPrivateKeyEntry(alias) {
			continue
		}
		s.add(alias, jksEntry{ks: ks, alias: alias})
	}
	return s, nil
}

// LoadPKCS12 reads a PKCS#12 file. The key is decrypted with password at
// load time and registered under every email address of its certificate.
func LoadPKCS12(data []byte, password string) (*Store, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 keystore: %w", err)
	}

	identities := certificateIdentities(cert)
	if len(identities) == 0 {
		return nil, fmt.Errorf("PKCS#12 certificate %q carries no email address", cert.Subject.String())
	}

	cred := &Credential{
		PrivateKey: key,
		Chain:      append([]*x509.Certificate{cert}, caCerts...),
	}

	s := &Store{}
	for _, id := range identities {
		s.add(id, unlockedEntry{cred: cred})
	}
	return s, nil
}

// certificateIdentities collects the rfc822Name SANs and the legacy
// emailAddress subject attribute.
func certificateIdentities(cert *x509.Certificate) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		ids = append(ids, addr)
	}

	for _, addr := range cert.EmailAddresses {
		add(addr)
	}
	for _, name := range cert.Subject.Names {
		if name.Type.Equal(oidEmailAddress) {
			if v, ok := name.Value.(string); ok {
				add(v)
			}
		}
	}
	return ids
}

type unlockedEntry struct {
	cred *Credential
}

func (e unlockedEntry) unlock(string) (*Credential, error) {
	if e.cred.Certificate() == nil {
		return nil, ErrNoCertificate
	}
	return e.cred, nil
}

type jksEntry struct {
	ks    keystore.KeyStore
	alias string
}

func (e jksEntry) unlock(password string) (*Credential, error) {
	pke, err := e.ks.GetPrivateKeyEntry(e.alias, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to unlock key %q: %w", e.alias, err)
	}

	key, err := x509.ParsePKCS8PrivateKey(pke.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %q: %w", e.alias, err)
	}
	zero(pke.PrivateKey)

	if len(pke.CertificateChain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificate, e.alias)
	}

	chain := make([]*x509.Certificate, 0, len(pke.CertificateChain))
	for _, c := range pke.CertificateChain {
		cert, err := x509.ParseCertificate(c.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate of %q: %w", e.alias, err)
		}
		chain = append(chain, cert)
	}

	return &Credential{PrivateKey: key, Chain: chain}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
