package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeoff/internal/domain"
)

func chain(n int) []domain.Comment {
	out := make([]domain.Comment, n)
	for i := range out {
		out[i] = domain.Comment{ID: fmt.Sprintf("c%d", i)}
		if i > 0 {
			parent := out[i-1].ID
			out[i].ParentID = &parent
		}
	}
	return out
}

func TestBuildThreadTruncatesBelowDisplayDepth(t *testing.T) {
	roots := buildThread(chain(6), 2)
	require.Len(t, roots, 1)
	n := roots[0]
	for depth := 0; depth < 2; depth++ {
		require.Len(t, n.Replies, 1, "depth %d", depth)
		n = n.Replies[0]
	}
	assert.Equal(t, "c2", n.ID)
	assert.Empty(t, n.Replies)
	assert.Equal(t, 3, n.HiddenReplies)
}

func TestBuildThreadPromotesOrphansToRoots(t *testing.T) {
	missing := "gone"
	roots := buildThread([]domain.Comment{{ID: "a"}, {ID: "b", ParentID: &missing}}, MaxCommentDepth)
	assert.Len(t, roots, 2)
}
