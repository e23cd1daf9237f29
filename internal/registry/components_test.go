package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier(t *testing.T) {
	c, err := NewClassifier(map[string][]string{
		"api":  {"src/api/**"},
		"docs": {"*.md", "docs/**"},
		"all":  {"src/**"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"src/api/handler.go", "all"}, // "all" sorts before "api"
		{"README.md", "docs"},
		{"docs/guide/intro.txt", "docs"},
		{"docs.md/x", ""},
		{"lib/util.go", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.path))
		})
	}

	_, err = NewClassifier(map[string][]string{"bad": {"src/[a"}})
	assert.Error(t, err)
}

func TestComponents_CountsLiveFiles(t *testing.T) {
	f := newFixture(t, withComponents(map[string][]string{
		"core": {"core/**"},
		"web":  {"web/**"},
	}))
	ctx := context.Background()

	f.writeFile(t, "core/a.go", "a")
	f.writeFile(t, "core/b.go", "b")
	require.NoError(t, f.reg.RegisterFile(ctx, FileRecord{Path: "core/a.go", TicketID: "T-1"}))
	require.NoError(t, f.reg.RegisterFile(ctx, FileRecord{Path: "core/b.go", TicketID: "T-1"}))
	require.NoError(t, f.reg.MarkDeleted(ctx, "core/b.go", "T-1"))

	comps, err := f.reg.Components(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Component{
		{Name: "core", Patterns: []string{"core/**"}, Files: 1},
		{Name: "web", Patterns: []string{"web/**"}, Files: 0},
	}, comps)

	inCore, err := f.reg.FilesInComponent(ctx, "core")
	require.NoError(t, err)
	require.Len(t, inCore, 1)
	assert.Equal(t, "core/a.go", inCore[0].Path)
}
