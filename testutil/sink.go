package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// Frame is one parsed unit of the notification stream.
type Frame struct {
	ID    uint64
	Event string
	Data  string
}

// Decode unmarshals the frame's data line into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal([]byte(f.Data), v)
}

// RecordingSink is an in-memory stream sink. It can be told to fail on
// write or on flush to simulate a dropped connection.
type RecordingSink struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	writeErr   error
	flushErr   error
	flushes    int
	writeCalls int
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *RecordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

// FailWrites makes every later Write return err. A nil err heals the sink.
func (s *RecordingSink) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailFlushes makes every later Flush return err.
func (s *RecordingSink) FailFlushes(err error) {
	s.mu.Lock()
	s.flushErr = err
	s.mu.Unlock()
}

// Flushes returns how many times Flush was called.
func (s *RecordingSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// WriteCalls returns how many times Write was called, failed or not.
func (s *RecordingSink) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

// String returns the raw bytes written so far.
func (s *RecordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Frames parses everything written so far.
func (s *RecordingSink) Frames() []Frame {
	return ParseFrames(s.String())
}

// ParseFrames splits raw stream text into frames. Frames are separated by
// a blank line; unknown field lines are ignored.
func ParseFrames(raw string) []Frame {
	var frames []Frame
	var cur Frame
	var have bool
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if have {
				frames = append(frames, cur)
			}
			cur, have = Frame{}, false
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.ID, _ = strconv.ParseUint(value, 10, 64)
			have = true
		case "event":
			cur.Event = value
			have = true
		case "data":
			cur.Data = value
			have = true
		}
	}
	if have {
		frames = append(frames, cur)
	}
	return frames
}
