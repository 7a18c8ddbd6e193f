// Package validator implements the enrollment request grammar and the
// duplicate-resolution policy described by the wire protocol in
// spec.md §6: a hand-rolled tokenizer (the grammar is small enough
// that no parser library in the example corpus earns its weight here;
// see DESIGN.md) plus the policy steps that decide whether a parsed
// request becomes a keystore insert.
package validator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/security"
	"github.com/cuemby/warden/pkg/types"
)

// agentKeySize is the number of random bytes hex-encoded into each
// freshly issued agent symmetric key.
const agentKeySize = 32

// RejectReason is a stable, human-readable string sent back to the
// agent verbatim ahead of the "ERROR: Unable to add agent" line.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectBadPassword    RejectReason = "ERROR: Invalid password"
	RejectMalformed      RejectReason = "ERROR: Invalid request syntax"
	RejectInvalidName    RejectReason = "ERROR: Invalid agent name"
	RejectReservedName   RejectReason = "ERROR: Agent name is reserved"
	RejectInvalidIP      RejectReason = "ERROR: Invalid IP address"
	RejectSourceMismatch RejectReason = "ERROR: Source IP does not match request"
	RejectKeyExists      RejectReason = "ERROR: Agent key already registered"
	RejectNameExists     RejectReason = "ERROR: Duplicate agent name"
	RejectIPExists       RejectReason = "ERROR: Duplicate IP address"
)

var reservedNames = map[string]bool{
	"manager": true,
	"master":  true,
	"localhost": true,
}

const maxNameLen = 128

// ParsedRequest is the grammar-level decomposition of a raw enrollment
// line, before any keystore state is consulted. It is safe to produce
// on a worker node, which never touches the local keystore.
type ParsedRequest struct {
	Password string
	Name     string
	Groups   []string
	IP       types.IPPredicate
	KeyHash  string
}

// ParseRequest tokenizes req and enforces the password policy. It
// performs no keystore lookups, so it is safe to run on a worker node
// before forwarding to the master (spec.md §4.5 step 5).
func ParseRequest(req []byte, cfg *config.Config) (*ParsedRequest, RejectReason, error) {
	line := strings.TrimRight(string(req), "\r\n")
	fields := tokenize(line)
	if len(fields) == 0 || fields[0] != "OSSEC" {
		return nil, RejectMalformed, nil
	}
	fields = fields[1:]

	out := &ParsedRequest{}
	var sawName bool

	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		switch {
		case tok == "PASS":
			if i+1 >= len(fields) {
				return nil, RejectMalformed, nil
			}
			pw, err := unquote(fields[i+1])
			if err != nil {
				return nil, RejectMalformed, nil
			}
			out.Password = pw
			i++
		case strings.HasPrefix(tok, "A:"):
			name, err := unquote(tok[len("A:"):])
			if err != nil {
				return nil, RejectMalformed, nil
			}
			out.Name = name
			sawName = true
		case strings.HasPrefix(tok, "G:"):
			g, err := unquote(tok[len("G:"):])
			if err != nil {
				return nil, RejectMalformed, nil
			}
			out.Groups = splitGroups(g)
		case strings.HasPrefix(tok, "IP:"):
			ip, err := unquote(tok[len("IP:"):])
			if err != nil {
				return nil, RejectMalformed, nil
			}
			out.IP = types.IPPredicate{Raw: ip}
		case strings.HasPrefix(tok, "K:"):
			k, err := unquote(tok[len("K:"):])
			if err != nil {
				return nil, RejectMalformed, nil
			}
			out.KeyHash = k
		default:
			return nil, RejectMalformed, nil
		}
	}
	if !sawName {
		return nil, RejectMalformed, nil
	}
	if out.IP.Raw == "" {
		out.IP = types.IPPredicate{Raw: "any"}
	}

	if cfg.UsePassword {
		if !security.ComparePassword(out.Password, cfg.Password) {
			return nil, RejectBadPassword, nil
		}
	}

	if reason := validateName(out.Name, cfg); reason != RejectNone {
		return nil, reason, nil
	}
	if reason := validateIP(out.IP); reason != RejectNone {
		return nil, reason, nil
	}

	return out, RejectNone, nil
}

// ResolveAndAuthorize runs the duplicate-resolution policy in spec.md
// §4.3 step 4 against the live keystore. It must only be called on a
// master or standalone node — "the force registration settings are
// ignored for workers; the master decides" (original_source's
// run_dispatcher, grounding §4.5's worker-forward branch).
//
// parsed.KeyHash is a duplicate-detection token only — an agent that
// already holds a key presents it back so a re-enrollment can be
// matched to its prior record (FindByKeyHash compares it against
// existing records' RawKey). It is never reused as the new record's
// key: the manager always generates a fresh random symmetric key for
// the record it commits, the way the original server's
// w_auth_add_agent produces new_key separately from the key_hash
// parameter it was called with (main-server.c).
func ResolveAndAuthorize(parsed *ParsedRequest, ks *keystore.Keystore, cfg *config.Config, peerIP string) (*types.AgentRecord, []string, RejectReason, error) {
	if cfg.ForceSource && !parsed.IP.Any() && parsed.IP.Raw != peerIP {
		return nil, nil, RejectSourceMismatch, nil
	}

	var toRemove []string
	var keyMatchID string

	if parsed.KeyHash != "" {
		if existing, ok := ks.FindByKeyHash(parsed.KeyHash); ok {
			if !cfg.ForceKeyMismatch {
				return nil, nil, RejectKeyExists, nil
			}
			keyMatchID = existing.ID
			toRemove = append(toRemove, existing.ID)
		}
	}

	// The record already matched by key is being replaced, so its name
	// and ip are not a separate conflict.
	if existing, ok := ks.FindByName(parsed.Name); ok && existing.ID != keyMatchID {
		if !forceWindowElapsed(cfg) {
			return nil, nil, RejectNameExists, nil
		}
		toRemove = appendUnique(toRemove, existing.ID)
	}

	if !parsed.IP.Any() {
		if existing, ok := ks.FindByNameIP(parsed.Name, parsed.IP.String()); ok && existing.ID != keyMatchID {
			if !forceWindowElapsed(cfg) {
				return nil, nil, RejectIPExists, nil
			}
			toRemove = appendUnique(toRemove, existing.ID)
		}
	}

	rawKey, err := generateAgentKey()
	if err != nil {
		return nil, nil, RejectNone, err
	}

	rec := &types.AgentRecord{
		Name:   parsed.Name,
		IP:     parsed.IP,
		RawKey: rawKey,
		Group:  strings.Join(parsed.Groups, ","),
	}
	return rec, toRemove, RejectNone, nil
}

// generateAgentKey returns a fresh random hex-encoded symmetric key for
// a newly enrolled agent.
func generateAgentKey() (string, error) {
	buf := make([]byte, agentKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("validator: generate agent key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func forceWindowElapsed(cfg *config.Config) bool {
	return cfg.ForceDisconnectedTime > 0 || cfg.ForceAfterRegistration > 0
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func validateName(name string, cfg *config.Config) RejectReason {
	if len(name) == 0 || len(name) > maxNameLen {
		return RejectInvalidName
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return RejectInvalidName
		}
	}
	lower := strings.ToLower(name)
	if reservedNames[lower] {
		return RejectReservedName
	}
	hostname, _ := os.Hostname()
	if hostname != "" && strings.EqualFold(name, hostname) {
		return RejectReservedName
	}
	return RejectNone
}

func validateIP(ip types.IPPredicate) RejectReason {
	if ip.Any() {
		return RejectNone
	}
	if strings.Contains(ip.Raw, "/") {
		if _, _, err := net.ParseCIDR(ip.Raw); err != nil {
			return RejectInvalidIP
		}
		return RejectNone
	}
	if net.ParseIP(ip.Raw) == nil {
		return RejectInvalidIP
	}
	return RejectNone
}

func splitGroups(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tokenize splits a request line on whitespace that is not inside a
// single-quoted token, since A:'name with spaces' must stay together.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", fmt.Errorf("validator: token not quoted: %q", s)
	}
	return s[1 : len(s)-1], nil
}
