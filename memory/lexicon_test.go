package memory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
)

func TestDefaultLexicon(t *testing.T) {
	lex := memory.DefaultLexicon()

	assert.True(t, lex.IsExplicitRequest("Please remember my sister's birthday is in May"))
	assert.True(t, lex.IsExplicitRequest("Don't forget I'm allergic to shellfish"))
	assert.False(t, lex.IsExplicitRequest("Do you remember the plot of Dune?"))

	assert.True(t, lex.HasPersonalHint("I just started learning woodworking"))
	assert.True(t, lex.HasPersonalHint("My favorite band is Radiohead"))
	assert.False(t, lex.HasPersonalHint("What is the boiling point of water?"))

	assert.True(t, lex.HasEngagementHint("Tell me more about sourdough"))
	assert.False(t, lex.HasEngagementHint("thanks"))

	assert.True(t, lex.IsSelfReferential("The assistant is friendly"))
	assert.True(t, lex.IsSelfReferential("AI should answer briefly"))
	assert.False(t, lex.IsSelfReferential("The user trains AI models at work"))

	assert.True(t, lex.HasBusinessContext("The user uses the assistant for work"))
	assert.False(t, lex.HasBusinessContext("The user likes jazz"))

	assert.True(t, lex.IsVoiceShifted("Hiking is the best hobby for me"))
	assert.True(t, lex.IsVoiceShifted("I'm into chess"))
	assert.False(t, lex.IsVoiceShifted("The user enjoys hiking"))

	assert.True(t, lex.IsPersonalTopic(" Hobbies "))
	assert.False(t, lex.IsPersonalTopic("technology"))

	assert.Equal(t, "hobbies", lex.DetectTopic("The user is learning woodworking"))
	assert.Equal(t, "family", lex.DetectTopic("The user has two kids and a dog"))
	assert.Empty(t, lex.DetectTopic("The user asked about tax law"))
}

func TestParseLexicon_InvalidPattern(t *testing.T) {
	_, err := memory.ParseLexicon([]byte("explicit:\n  - '(unclosed'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explicit")

	_, err = memory.ParseLexicon([]byte("personal: [a, b"))
	require.Error(t, err)
}

func TestWatchLexicon_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personal:\n  - i collect\n"), 0o644))

	w, err := memory.WatchLexicon(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Lexicon().HasPersonalHint("I collect stamps"))
	assert.False(t, w.Lexicon().HasPersonalHint("I restore bikes"))

	require.NoError(t, os.WriteFile(path, []byte("personal:\n  - i restore\n"), 0o644))
	require.Eventually(t, func() bool {
		return w.Lexicon().HasPersonalHint("I restore bikes")
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the last good lexicon.
	require.NoError(t, os.WriteFile(path, []byte("explicit: ['(']\n"), 0o644))
	time.Sleep(400 * time.Millisecond)
	assert.True(t, w.Lexicon().HasPersonalHint("I restore bikes"))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWatchLexicon_MissingFile(t *testing.T) {
	_, err := memory.WatchLexicon(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
