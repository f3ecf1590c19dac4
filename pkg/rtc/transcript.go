package rtc

import (
	"fmt"
	"os"
	"time"
)

// transcript appends the negotiation exchange (descriptions, candidates,
// errors) to a file for offline inspection. Methods are nil-safe so call
// sites need no guards when recording is disabled.
type transcript struct {
	f *os.File
}

func newTranscript(path string) (*transcript, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &transcript{f: f}, nil
}

func (t *transcript) record(direction, kind, body string) {
	if t == nil {
		return
	}
	// write failures are tolerated, the transcript is best effort
	fmt.Fprintf(t.f, "--- %s %s %s\n%s\n", time.Now().Format(time.RFC3339Nano), direction, kind, body)
}

func (t *transcript) Close() error {
	if t == nil {
		return nil
	}
	return t.f.Close()
}
