package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/healloop/healloop/pkg/detector"
)

// Output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

const maxLineSize = 1024 * 1024

// OutputLine is one line of process output.
type OutputLine struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	Epoch  uint64    `json:"epoch"`
	Stale  bool      `json:"stale"`
	Time   time.Time `json:"time"`
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	urlPattern  = regexp.MustCompile(`https?://[^\s'"]+`)

	readinessMarkers = []string{
		"local:",
		"ready on",
		"ready in",
		"http://localhost:",
	}
)

// readinessURL reports whether line announces that the server is up, and
// the address it announced. Lines without an address fall back to
// localhost on port.
func readinessURL(line string, port int) (string, bool) {
	clean := ansiPattern.ReplaceAllString(line, "")
	lower := strings.ToLower(clean)

	ready := false
	for _, marker := range readinessMarkers {
		if strings.Contains(lower, marker) {
			ready = true
			break
		}
	}
	if !ready {
		return "", false
	}

	if url := urlPattern.FindString(clean); url != "" {
		return strings.TrimRight(url, ".,;)"), true
	}
	return fmt.Sprintf("http://localhost:%d", port), true
}

// pump scans r line by line until it is closed.
func (m *Manager) pump(epoch uint64, stream string, r *io.PipeReader, port int) error {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		m.handleLine(epoch, stream, scanner.Text(), port)
	}

	if err := scanner.Err(); err != nil {
		m.logger.WithError(err).WithField("stream", stream).Warn("output scan stopped")
		// Keep the writer from blocking on a reader nobody drains
		_, _ = io.Copy(io.Discard, r)
	}
	return nil
}

func (m *Manager) handleLine(epoch uint64, stream, text string, port int) {
	m.mu.Lock()
	stale := epoch != m.epoch
	m.mu.Unlock()

	if m.onOutput != nil {
		m.onOutput(OutputLine{
			Stream: stream,
			Text:   text,
			Epoch:  epoch,
			Stale:  stale,
			Time:   m.now(),
		})
	}
	if stale {
		return
	}

	if url, ok := readinessURL(text, port); ok {
		m.markReady(epoch, url)
	}

	signal, ok := m.detector.Analyze(text)
	if !ok {
		return
	}
	m.recordSignal(*signal)

	if m.onSignal != nil {
		m.onSignal(m.baseCtx, *signal)
	}
}

func (m *Manager) markReady(epoch uint64, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.serverURL != "" {
		return
	}
	m.serverURL = url
	close(m.ready)
	m.logger.WithField("url", url).Info("server ready")
}

func (m *Manager) recordSignal(signal detector.PainSignal) {
	m.mu.Lock()
	m.signals = append(m.signals, signal)
	if len(m.signals) > maxRecentSignals {
		m.signals = m.signals[len(m.signals)-maxRecentSignals:]
	}
	m.mu.Unlock()

	m.tel.Metrics.RecordPainSignal(string(signal.Type), string(signal.Severity))
	_ = m.tel.Events.PublishPainDetected(m.sessionID, map[string]interface{}{
		"id":         signal.ID,
		"type":       string(signal.Type),
		"severity":   string(signal.Severity),
		"message":    signal.Message,
		"file":       signal.File,
		"line":       signal.Line,
		"suggestion": signal.Suggestion,
	})
	m.logger.WithSignal(string(signal.Type), string(signal.Severity)).Warn(signal.Summary())
}
