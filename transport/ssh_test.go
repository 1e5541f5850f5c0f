package transport

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
)

// Never ends and never blocks, like a chatty device nobody reads from anymore.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func newTestSession() *sshSession {
	return &sshSession{
		device: "r1",
		chunks: make(chan []byte, 2),
		done:   make(chan struct{}),
	}
}

func TestFollow_StopsWhenClosed(t *testing.T) {
	s := newTestSession()
	stopped := make(chan struct{})
	go func() {
		s.follow(endlessReader{})
		close(stopped)
	}()

	// Fill the channel so follow blocks on send
	time.Sleep(20 * time.Millisecond)
	close(s.done)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("follow still running after close")
	}
}

func TestReadUntil_ConsumesFollowedChunks(t *testing.T) {
	s := newTestSession()
	reader, writer := io.Pipe()
	go s.follow(reader)
	go func() {
		_, _ = writer.Write([]byte("show clock\r\n12:00:00"))
		_, _ = writer.Write([]byte(" UTC\r\nr1#"))
		writer.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	output, err := s.ReadUntil(ctx, regexp.MustCompile(`r1#$`))
	require.NoError(t, err)
	assert.Equal(t, "show clock\r\n12:00:00 UTC\r\nr1#", output)

	_, err = s.ReadUntil(ctx, regexp.MustCompile(`r1#$`))
	assert.ErrorIs(t, err, common.ErrConnection)
	assert.Contains(t, err.Error(), "session closed by device")
}

func TestReadUntil_Deadline(t *testing.T) {
	s := newTestSession()
	s.chunks <- []byte("partial output")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	output, err := s.ReadUntil(ctx, regexp.MustCompile(`r1#$`))
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.Equal(t, "partial output", output)
}
