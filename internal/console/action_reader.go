package console

import (
	"io"
	"log/slog"

	"github.com/crabterm/crabterm/internal/config"
)

// actionReader decodes the configured keymap's prefix-key action grammar
// out of the raw terminal byte stream before handing the rest to the
// merger as an ordinary client Source. Everything not part of an action
// sequence passes through byte-for-byte.
type actionReader struct {
	src            io.Reader
	keymap         *config.Keymap
	onToggleFilter func()
	logger         *slog.Logger

	raw     [256]byte
	pending []byte // processed bytes not yet returned to the last Read caller
	quitCh  chan struct{}

	sawPrefix       bool
	sendNextLiteral bool
}

func newActionReader(src io.Reader, keymap *config.Keymap, onToggleFilter func(), logger *slog.Logger) *actionReader {
	return &actionReader{
		src:            src,
		keymap:         keymap,
		onToggleFilter: onToggleFilter,
		logger:         logger,
		quitCh:         make(chan struct{}),
	}
}

// QuitRequested returns a channel closed the moment the quit key sequence
// is observed, so cmd/crabterm can select on it alongside SIGINT/SIGTERM.
func (a *actionReader) QuitRequested() <-chan struct{} {
	return a.quitCh
}

// Read implements io.Reader, consuming raw terminal bytes and emitting only
// the bytes that are not part of a recognized action sequence.
func (a *actionReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for len(a.pending) == 0 {
		n, err := a.src.Read(a.raw[:])
		if n > 0 {
			a.pending = a.process(a.raw[:n])
		}
		if err != nil {
			copied := copy(p, a.pending)
			a.pending = a.pending[copied:]
			return copied, err
		}
		// A chunk that decodes to zero output bytes (pure action bytes)
		// loops back for more input rather than returning an empty,
		// nil-error Read.
	}

	copied := copy(p, a.pending)
	a.pending = a.pending[copied:]
	return copied, nil
}

// process decodes the action grammar out of raw, returning the bytes that
// should pass through to the device.
func (a *actionReader) process(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if a.sendNextLiteral {
			out = append(out, b)
			a.sendNextLiteral = false
			continue
		}

		if a.sawPrefix {
			a.sawPrefix = false
			action, ok := a.keymap.Resolve(b)
			if !ok {
				// Not a recognized action: the prefix key and this byte
				// both pass through untouched.
				out = append(out, a.keymap.PrefixKey(), b)
				continue
			}
			switch action {
			case config.ActionQuit:
				a.closeQuitOnce()
			case config.ActionSendLiteral:
				a.sendNextLiteral = true
			case config.ActionToggleTimestampFilter:
				a.onToggleFilter()
			}
			continue
		}

		if b == a.keymap.PrefixKey() {
			a.sawPrefix = true
			continue
		}

		out = append(out, b)
	}
	return out
}

func (a *actionReader) closeQuitOnce() {
	select {
	case <-a.quitCh:
	default:
		close(a.quitCh)
	}
}
