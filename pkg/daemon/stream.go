package daemon

import (
	"fmt"
	"io"
	"sync"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// Streamer follows daemon log files and copies each line to one writer with
// a [tag] prefix
type Streamer struct {
	out    io.Writer
	mu     sync.Mutex
	tails  []*tail.Tail
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewStreamer creates a streamer writing to out
func NewStreamer(out io.Writer) *Streamer {
	return &Streamer{
		out:    out,
		logger: log.WithComponent("logs"),
	}
}

// Follow starts streaming path from offset. A failure is logged and
// returned; it never affects the daemon.
func (s *Streamer) Follow(tag, path string, offset int64) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("daemon", tag).Str("path", path).Msg("Cannot follow daemon log")
		return err
	}

	s.mu.Lock()
	s.tails = append(s.tails, t)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for line := range t.Lines {
			if line.Err != nil {
				s.logger.Debug().Err(line.Err).Str("daemon", tag).Msg("Log follow error")
				continue
			}
			s.write(tag, line.Text)
		}
	}()

	s.logger.Debug().Str("daemon", tag).Str("path", path).Msg("Following daemon log")
	return nil
}

func (s *Streamer) write(tag, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "[%s] %s\n", tag, text)
}

// Stop ends every follower and waits for them to drain
func (s *Streamer) Stop() {
	s.mu.Lock()
	tails := s.tails
	s.tails = nil
	s.mu.Unlock()

	for _, t := range tails {
		if err := t.Stop(); err != nil {
			s.logger.Debug().Err(err).Str("path", t.Filename).Msg("Stopping log follower")
		}
	}
	s.wg.Wait()
}
