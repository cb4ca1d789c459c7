// Package ledger implements the append-only, hash-chained decision log. Every
// resolution and system event lands here before the arbiter reports it;
// deterministic event ids make replays idempotent, and the hash chain makes
// tampering evident.
package ledger

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is what callers append: the ledger fills in chain fields.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"` // deterministic; duplicates are rejected
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Entry is one persisted ledger record. Chain invariant:
// entry[n].PrevHash == entry[n-1].Hash for all n > 0.
type Entry struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Versions  map[string]string `json:"versions,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
	AuthTag   string            `json:"auth_tag"`
}

// DedupIndex is an optional hot index consulted before the in-memory one,
// typically Redis. Errors are tolerated: the in-memory index rebuilt from the
// segments remains authoritative.
type DedupIndex interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// IntegrityReport is the outcome of a chain verification walk. A detected
// break halts replay past the break point but never blocks new appends.
type IntegrityReport struct {
	OK           bool   `json:"ok"`
	Entries      int    `json:"entries"`
	BreakIndex   int    `json:"break_index,omitempty"`
	BreakSegment string `json:"break_segment,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Ledger appends entries to one NDJSON segment per UTC calendar day under a
// storage root. Appends are serialized by a per-ledger lock; that is the only
// synchronous durable step in an arbitration round.
type Ledger struct {
	mu       sync.Mutex
	root     string
	authKey  []byte
	versions map[string]string

	lastHash string
	index    map[string]struct{}
	hot      DedupIndex

	segDay  string
	segFile *os.File
}

// Open creates or resumes a ledger at root. The last known hash is reloaded
// from the most recent segment so new appends continue the chain across
// restarts. hot may be nil.
func Open(root, authKey string, versions map[string]string, hot DedupIndex) (*Ledger, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger root %s: %w", root, err)
	}

	l := &Ledger{
		root:     root,
		authKey:  []byte(authKey),
		versions: versions,
		index:    make(map[string]struct{}),
		hot:      hot,
	}
	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("ledger recovery: %w", err)
	}
	return l, nil
}

// Append writes the event as the next chain entry. When an entry with the
// same deterministic id already exists it returns dup=true and no error.
func (l *Ledger) Append(ctx context.Context, ev Event) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[ev.ID]; ok {
		return Entry{}, true, nil
	}
	if l.hot != nil {
		if seen, err := l.hot.Seen(ctx, ev.ID); err == nil && seen {
			return Entry{}, true, nil
		}
	}

	entry := Entry{
		Type:      ev.Type,
		ID:        ev.ID,
		Timestamp: ev.Timestamp.UTC(),
		Payload:   ev.Payload,
		Versions:  l.versions,
		PrevHash:  l.lastHash,
	}
	entry.Hash = l.contentHash(entry)
	entry.AuthTag = l.authTag(entry)

	if err := l.writeEntry(entry); err != nil {
		return Entry{}, false, err
	}

	l.lastHash = entry.Hash
	l.index[ev.ID] = struct{}{}
	if l.hot != nil {
		if err := l.hot.Mark(ctx, ev.ID); err != nil {
			log.Warn().Err(err).Str("id", ev.ID).Msg("hot dedup index mark failed")
		}
	}
	return entry, false, nil
}

// Contains reports whether an event id has already been recorded.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[id]
	return ok
}

// LastHash returns the tip of the chain.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// VerifyChain walks entries in order, confirming each recorded prev-hash
// matches the actual hash of its predecessor and that content hashes and
// authentication tags are intact. A zero from/to verifies everything; a
// bounded range verifies only entries timestamped inside it, linking the
// first one against the preceding tip as recorded. BreakIndex is the first
// entry at which verification fails; a forged entry whose hash was also
// rewritten therefore surfaces at its successor, where the chain link first
// contradicts the recorded bytes.
func (l *Ledger) VerifyChain(ctx context.Context, from, to time.Time) (IntegrityReport, error) {
	segments, err := l.segmentPaths()
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{OK: true}
	prevHash := ""
	idx := 0

	for _, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("read segment %s: %w", seg, err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return IntegrityReport{}, err
			}
			if !from.IsZero() && entry.Timestamp.Before(from) {
				prevHash = entry.Hash
				idx++
				continue
			}
			if !to.IsZero() && entry.Timestamp.After(to) {
				return report, nil
			}
			if entry.PrevHash != prevHash {
				return breakReport(idx, seg, "prev-hash mismatch", report.Entries), nil
			}
			if l.contentHash(entry) != entry.Hash {
				return breakReport(idx, seg, "content hash mismatch", report.Entries), nil
			}
			if !hmac.Equal([]byte(l.authTag(entry)), []byte(entry.AuthTag)) {
				return breakReport(idx, seg, "authentication tag mismatch", report.Entries), nil
			}
			prevHash = entry.Hash
			idx++
			report.Entries++
		}
	}
	return report, nil
}

func breakReport(idx int, segment, detail string, entries int) IntegrityReport {
	return IntegrityReport{
		OK:           false,
		Entries:      entries,
		BreakIndex:   idx,
		BreakSegment: filepath.Base(segment),
		Detail:       detail,
	}
}

// Entries reads back all chained entries across segments, oldest first.
func (l *Ledger) Entries() ([]Entry, error) {
	segments, err := l.segmentPaths()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", seg, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Close releases the active segment file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.segFile != nil {
		err := l.segFile.Close()
		l.segFile = nil
		return err
	}
	return nil
}

// contentHash hashes the canonical serialization of the entry's identity
// fields plus the previous hash. Struct field order fixes the byte layout.
func (l *Ledger) contentHash(e Entry) string {
	canon := struct {
		Type      string            `json:"type"`
		ID        string            `json:"id"`
		Timestamp time.Time         `json:"timestamp"`
		Payload   json.RawMessage   `json:"payload"`
		Versions  map[string]string `json:"versions,omitempty"`
		PrevHash  string            `json:"prev_hash"`
	}{e.Type, e.ID, e.Timestamp, e.Payload, canonicalVersions(e.Versions), e.PrevHash}

	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) authTag(e Entry) string {
	mac := hmac.New(sha256.New, l.authKey)
	mac.Write([]byte(e.Hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalVersions re-marshals the map through sorted keys so hashing is
// stable. encoding/json already sorts map keys; this keeps the dependency on
// that behavior explicit.
func canonicalVersions(v map[string]string) map[string]string {
	return v
}

func (l *Ledger) writeEntry(entry Entry) error {
	day := entry.Timestamp.UTC().Format("2006-01-02")
	if l.segFile == nil || day != l.segDay {
		if l.segFile != nil {
			l.segFile.Close()
		}
		path := filepath.Join(l.root, day+".ndjson")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", path, err)
		}
		l.segFile = f
		l.segDay = day
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", entry.ID, err)
	}
	if _, err := l.segFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry %s: %w", entry.ID, err)
	}
	return l.segFile.Sync()
}

func (l *Ledger) recover() error {
	segments, err := l.segmentPaths()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", seg, err)
		}
		for _, entry := range entries {
			l.index[entry.ID] = struct{}{}
			l.lastHash = entry.Hash
		}
	}
	if len(segments) > 0 {
		log.Info().Int("segments", len(segments)).Int("entries", len(l.index)).
			Str("tip", l.lastHash).Msg("ledger chain recovered")
	}
	return nil
}

func (l *Ledger) segmentPaths() ([]string, error) {
	dirEntries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read ledger root: %w", err)
	}
	var paths []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".ndjson") {
			continue
		}
		paths = append(paths, filepath.Join(l.root, de.Name()))
	}
	sort.Strings(paths) // YYYY-MM-DD names sort chronologically
	return paths, nil
}

func readSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("malformed entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
