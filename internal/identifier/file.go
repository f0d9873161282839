package identifier

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

// File streams handles from a wordlist, one per line. Blank lines and
// lines starting with '#' are skipped, as are handles that fail Valid.
type File struct {
	path string

	mu      sync.Mutex
	f       *os.File
	scanner *bufio.Scanner
	done    bool
	skipped int
}

func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wordlist: %w", err)
	}
	return &File{path: path, f: f, scanner: bufio.NewScanner(f)}, nil
}

func (w *File) Next() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return "", ErrExhausted
	}
	for w.scanner.Scan() {
		line := strings.TrimSpace(w.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		h := Normalize(line)
		if !Valid(h) {
			w.skipped++
			continue
		}
		return h, nil
	}

	w.done = true
	err := w.scanner.Err()
	w.f.Close()

	l := logging.WithComponent("Identifier/File")
	if err != nil {
		l.Error().Err(err).Str("path", w.path).Msg("Wordlist read failed, treating as exhausted.")
	} else {
		l.Info().Str("path", w.path).Int("skipped", w.skipped).Msg("Wordlist exhausted.")
	}
	return "", ErrExhausted
}

// Close releases the file early.
func (w *File) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return w.f.Close()
}
