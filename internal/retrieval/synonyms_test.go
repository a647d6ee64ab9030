package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSynonymYAML = `
revenue model: [monetization]
go to market: [distribution, launch]
users: [customers]
`

func TestSynonymTable_Load(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	require.NoError(t, table.Load([]byte(testSynonymYAML)))

	terms := table.Expand("thinking about our revenue model")
	assert.Contains(t, terms, "monetization")
	assert.Contains(t, terms, "revenue")
	assert.Contains(t, terms, "model")
}

func TestSynonymTable_LoadInvalidYAML(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	err := table.Load([]byte("not: [valid\nyaml"))
	assert.Error(t, err)
}

func TestSynonymTable_Expand(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	require.NoError(t, table.Load([]byte(testSynonymYAML)))

	tests := []struct {
		name        string
		query       string
		wantContain []string
		wantAbsent  []string
	}{
		{
			name:        "multi-word phrase match",
			query:       "what is the Go To Market plan",
			wantContain: []string{"distribution", "launch", "plan"},
		},
		{
			name:        "no phrase match leaves terms alone",
			query:       "onboarding friction for new accounts",
			wantContain: []string{"onboarding", "friction", "accounts"},
			wantAbsent:  []string{"monetization", "distribution"},
		},
		{
			name:        "expansion deduplicates",
			query:       "monetization via a new revenue model",
			wantContain: []string{"monetization", "revenue", "model"},
		},
		{
			name:       "empty query",
			query:      "",
			wantAbsent: []string{"monetization"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := table.Expand(tt.query)
			for _, want := range tt.wantContain {
				assert.Contains(t, terms, want)
			}
			for _, absent := range tt.wantAbsent {
				assert.NotContains(t, terms, absent)
			}
		})
	}
}

func TestSynonymTable_ExpandDedupes(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	require.NoError(t, table.Load([]byte(testSynonymYAML)))

	terms := table.Expand("monetization and the revenue model")
	seen := map[string]int{}
	for _, term := range terms {
		seen[term]++
	}
	assert.Equal(t, 1, seen["monetization"])
}

func TestSynonymTable_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSynonymYAML), 0o644))

	table := NewSynonymTable(zap.NewNop())
	require.NoError(t, table.LoadFile(path))
	assert.Contains(t, table.Expand("revenue model"), "monetization")
}

func TestSynonymTable_LoadFileMissing(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	err := table.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSynonymTable_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("revenue model: [monetization]\n"), 0o644))

	table := NewSynonymTable(zap.NewNop())
	require.NoError(t, table.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = table.Watch(ctx)
	}()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("revenue model: [pricing]\n"), 0o644))

	assert.Eventually(t, func() bool {
		terms := table.Expand("revenue model")
		for _, term := range terms {
			if term == "pricing" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestSynonymTable_WatchRequiresFile(t *testing.T) {
	table := NewSynonymTable(zap.NewNop())
	err := table.Watch(context.Background())
	assert.Error(t, err)
}
