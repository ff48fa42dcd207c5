package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"go.uber.org/zap"
)

// maxLineSize bounds a single request line.
const maxLineSize = 1 << 20

// Server speaks newline-delimited JSON: one Call per input line, one Response
// or Event per output line. Calls run concurrently, so a pick waiting for its
// result does not block other calls; output lines are never interleaved.
type Server struct {
	logger *zap.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

// NewServer returns a Server writing to w.
func NewServer(w io.Writer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, enc: json.NewEncoder(w)}
}

// Launch implements session.Launcher by emitting a launchPicker event.
func (s *Server) Launch(_ context.Context, intent platform.PickIntent) error {
	return s.write(Event{Event: EventLaunchPicker, Data: intentBody(intent)})
}

// Serve reads calls from r until EOF or ctx is done, then closes the
// dispatcher's async picker (the host is gone, so every waiting pick is
// dismissed) and waits for running calls to return.
func (s *Server) Serve(ctx context.Context, r io.Reader, d *Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer func() {
		if d.picks != nil {
			_ = d.picks.Close()
		}
		wg.Wait()
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("failed to read calls: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var call Call
			if err := json.Unmarshal(line, &call); err != nil {
				s.logger.Warn("malformed call", zap.Error(err))
				if werr := s.write(errorResponse("", apperrors.Wrap(apperrors.CodeInvalidArgument,
					fmt.Sprintf("malformed call: %v", err), err))); werr != nil {
					return werr
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := d.Dispatch(ctx, call)
				if err := s.write(resp); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					s.logger.Error("failed to write response", zap.String("id", call.ID), zap.Error(err))
				}
			}()
		}
	}
}

func (s *Server) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(v)
}
