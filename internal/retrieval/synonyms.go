package retrieval

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// SynonymTable expands query phrases into the vocabulary actually stored
// on blocks. Lookup is an explicit hand-maintained table, so a retrieval
// miss shows up as a missing table row rather than an opaque vector
// distance.
//
// The table is a YAML map from phrase to expansions:
//
//	revenue model: [monetization]
//	go to market: [distribution, launch]
//
// Phrases may be multi-word; matching is case-insensitive against the
// raw query text.
type SynonymTable struct {
	mu      sync.RWMutex
	entries map[string][]string
	path    string
	logger  *zap.Logger
}

// NewSynonymTable creates an empty table. Use LoadFile to populate it.
func NewSynonymTable(logger *zap.Logger) *SynonymTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SynonymTable{
		entries: make(map[string][]string),
		logger:  logger,
	}
}

// Load replaces the table from raw YAML bytes.
func (t *SynonymTable) Load(data []byte) error {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing synonym table: %w", err)
	}

	entries := make(map[string][]string)
	for _, key := range k.Keys() {
		phrase := strings.ToLower(strings.TrimSpace(key))
		if phrase == "" {
			continue
		}
		var expansions []string
		for _, v := range k.Strings(key) {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				expansions = append(expansions, v)
			}
		}
		if len(expansions) > 0 {
			entries[phrase] = expansions
		}
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()

	t.logger.Debug("synonym table loaded", zap.Int("phrases", len(entries)))
	return nil
}

// LoadFile replaces the table from a YAML file and remembers the path
// for Watch.
func (t *SynonymTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading synonym table: %w", err)
	}
	if err := t.Load(data); err != nil {
		return err
	}
	t.mu.Lock()
	t.path = path
	t.mu.Unlock()
	return nil
}

// Watch hot-reloads the table when its file changes. Blocks until ctx is
// done; run it in its own goroutine. A reload failure keeps the previous
// table and logs a warning.
func (t *SynonymTable) Watch(ctx context.Context) error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no synonym table file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if err := t.LoadFile(path); err != nil {
					t.logger.Warn("synonym table reload failed, keeping previous",
						zap.String("path", path),
						zap.Error(err))
				} else {
					t.logger.Info("synonym table reloaded", zap.String("path", path))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("synonym watcher error", zap.Error(err))
		}
	}
}

// Expand tokenizes a query and appends every expansion whose phrase
// occurs in it. Returned terms are normalized, deduplicated, and ready
// for the keyword index.
func (t *SynonymTable) Expand(query string) []string {
	terms := schema.NormalizeKeywords(query)
	lowered := strings.ToLower(query)

	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		seen[term] = true
	}

	for phrase, expansions := range t.entries {
		if !strings.Contains(lowered, phrase) {
			continue
		}
		for _, exp := range expansions {
			for _, term := range schema.NormalizeKeywords(exp) {
				if !seen[term] {
					seen[term] = true
					terms = append(terms, term)
				}
			}
		}
	}
	return terms
}
