package transcribe

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamResult is one recognizer update: a revisable partial or the final
// text for the utterance.
type StreamResult struct {
	Text  string
	Final bool
}

// Stream is a realtime recognition session over a vosk-style WebSocket
// server. Audio goes out as little-endian 16-bit PCM frames; results come
// back as JSON text messages.
//
// One goroutine owns the read side. SendAudio and SendEOF may be called
// from any goroutine.
type Stream struct {
	conn       *websocket.Conn
	sampleRate int

	writeMu    sync.Mutex
	configured bool

	results chan StreamResult
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// Dial connects to the recognition server and starts the read loop.
func Dial(ctx context.Context, endpoint string, sampleRate int) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transcribe: connect %s: %w", endpoint, err)
	}

	s := &Stream{
		conn:       conn,
		sampleRate: sampleRate,
		results:    make(chan StreamResult, 16),
		done:       make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Results delivers recognizer updates in arrival order. The channel closes
// when the server ends the stream or the connection fails; Err reports
// the cause.
func (s *Stream) Results() <-chan StreamResult {
	return s.results
}

// Err returns the read-side failure, nil after a clean close.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SendAudio ships one frame of PCM samples. The first frame is preceded
// by the sample-rate config message the protocol requires.
func (s *Stream) SendAudio(samples []int16) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.configured {
		cfg := map[string]any{"config": map[string]any{"sample_rate": s.sampleRate}}
		if err := s.writeJSONLocked(cfg); err != nil {
			return fmt.Errorf("transcribe: send config: %w", err)
		}
		s.configured = true
	}

	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("transcribe: send audio: %w", err)
	}
	return nil
}

// SendEOF tells the server the utterance is complete; the final result
// follows on Results.
func (s *Stream) SendEOF() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeJSONLocked(map[string]int{"eof": 1}); err != nil {
		return fmt.Errorf("transcribe: send eof: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Stream) writeJSONLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stream) readLoop() {
	defer close(s.results)
	defer close(s.done)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		// The protocol's result union: {"partial": ...} while recognizing,
		// {"text": ...} once the utterance is final.
		var msg struct {
			Partial *string `json:"partial"`
			Text    *string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch {
		case msg.Text != nil:
			s.results <- StreamResult{Text: *msg.Text, Final: true}
		case msg.Partial != nil:
			s.results <- StreamResult{Text: *msg.Partial}
		}
	}
}
