package server

import (
	"net/http"
	"time"
)

// httpSink streams frames to an HTTP response. Each write is bounded by
// writeTimeout so a stalled client surfaces as a write error instead of
// blocking the session lock.
type httpSink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func newHTTPSink(w http.ResponseWriter, writeTimeout time.Duration) *httpSink {
	return &httpSink{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}
}

func (s *httpSink) Write(p []byte) (int, error) {
	if s.writeTimeout > 0 {
		// Not every ResponseWriter supports deadlines; the write itself
		// still reports a broken connection.
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.w.Write(p)
}

func (s *httpSink) Flush() error {
	return s.rc.Flush()
}
