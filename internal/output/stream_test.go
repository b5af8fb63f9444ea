package output

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	parts []Part
}

func (c *collector) sink(parts []Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, parts...)
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, len(c.parts))
	for i, p := range c.parts {
		texts[i] = p.Text
	}
	return texts
}

func TestStreamDeliversInOrder(t *testing.T) {
	c := &collector{}
	s := NewStream(c.sink, Options{QueueSize: 4})

	var want []string
	for i := 0; i < 200; i++ {
		text := fmt.Sprintf("line %d\n", i)
		want = append(want, text)
		require.True(t, s.Stdout(text))
	}
	s.Close()

	assert.Equal(t, want, c.texts())
	assert.Equal(t, int64(0), s.Dropped())
}

func TestStreamDropsAfterClose(t *testing.T) {
	c := &collector{}
	s := NewStream(c.sink, Options{})

	s.Write(Part{Type: TypeStdout, Text: "before"})
	s.Close()
	assert.False(t, s.Running())

	assert.False(t, s.Write(Part{Type: TypeStdout, Text: "after"}, Part{Type: TypeStderr, Text: "late"}))
	assert.Equal(t, []string{"before"}, c.texts())
	assert.Equal(t, int64(2), s.Dropped())

	// Closing twice is harmless.
	s.Close()
}

func TestStreamHoldRelease(t *testing.T) {
	c := &collector{}
	s := NewStream(c.sink, Options{})

	s.Hold()
	s.Stdout("a")
	s.Stdout("b")
	s.Close()
	assert.Empty(t, c.texts())

	s.Release()
	assert.Equal(t, []string{"a", "b"}, c.texts())
}

func TestStreamPartTypes(t *testing.T) {
	c := &collector{}
	s := NewStream(c.sink, Options{})

	s.Write(
		Part{Type: TypeInputPrompt, Text: "name? "},
		Part{Type: TypeTraceback, Text: "error"},
	)
	s.Close()

	require.Len(t, c.parts, 2)
	assert.Equal(t, TypeInputPrompt, c.parts[0].Type)
	assert.Equal(t, TypeTraceback, c.parts[1].Type)
}
