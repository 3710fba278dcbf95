package smime

import (
	"fmt"
	"strings"
)

// Property keys read by the signing engine.
const (
	PropKeystoreFile     = "mail.keystore.file"
	PropKeystorePassword = "mail.keystore.password"
	PropKeystoreType     = "mail.keystore.type"

	// PasswordPropertyTemplate names a key password override. The verb is
	// replaced by a full identity or by its local part.
	PasswordPropertyTemplate = "mail.keystore.%s.password"
)

// Properties is the flat configuration surface of the engine. Keys are
// matched case-insensitively.
type Properties map[string]string

// PasswordProperty returns the override key for an identity or local part.
func PasswordProperty(name string) string {
	return fmt.Sprintf(PasswordPropertyTemplate, strings.ToLower(name))
}

// KeyPassword resolves the password that unlocks the key of identity. The
// first configured value wins:
//
//  1. the override for the full identity
//  2. the override for its local part
//  3. the keystore password
//
// Blank values count as not configured at every level.
func (p Properties) KeyPassword(identity string) string {
	if pw := p.nonBlank(PasswordProperty(identity)); pw != "" {
		return pw
	}
	if pw := p.nonBlank(PasswordProperty(localPart(identity))); pw != "" {
		return pw
	}
	return p.lookup(PropKeystorePassword)
}

func (p Properties) nonBlank(key string) string {
	v := p.lookup(key)
	if strings.TrimSpace(v) == "" {
		return ""
	}
	return v
}

// lookup prefers an exact key and falls back to a case-insensitive match.
// Among several spellings of the same key the first non-blank one in sorted
// key order wins, so the result does not depend on map iteration.
func (p Properties) lookup(key string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	var match string
	found := false
	for k, v := range p {
		if !strings.EqualFold(k, key) || strings.TrimSpace(v) == "" {
			continue
		}
		if !found || k < match {
			match, found = k, true
		}
	}
	if !found {
		return ""
	}
	return p[match]
}

// localPart returns everything before the last "@". An identity without
// "@" is its own local part.
func localPart(identity string) string {
	if i := strings.LastIndex(identity, "@"); i >= 0 {
		return identity[:i]
	}
	return identity
}
