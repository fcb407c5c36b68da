package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is one of the three console actions the core's keymap contract
// recognizes; everything else about key-chord grammar and additional
// bindings is this package's concern, not the console's.
type Action int

const (
	ActionQuit Action = iota
	ActionSendLiteral
	ActionToggleTimestampFilter
)

func parseAction(s string) (Action, bool) {
	switch strings.ToLower(s) {
	case "quit":
		return ActionQuit, true
	case "send-literal-bytes":
		return ActionSendLiteral, true
	case "toggle-timestamp-filter":
		return ActionToggleTimestampFilter, true
	default:
		return 0, false
	}
}

// keymapFile is the on-disk YAML shape of ~/.crabterm.
type keymapFile struct {
	Prefix  string            `yaml:"prefix"`
	Actions map[string]string `yaml:"actions"`
}

// Keymap is the parsed, ready-to-query form of a keymap file: a prefix key
// byte and a table from the byte following it to an Action.
type Keymap struct {
	prefix  byte
	actions map[byte]Action
}

// DefaultKeymap matches a typical serial-console tool's defaults: Ctrl-]
// (0x1d) as the prefix, 'q' to quit, '.' to send the next byte literally
// (e.g. the prefix key itself), 't' to toggle the timestamp filter.
func DefaultKeymap() *Keymap {
	return &Keymap{
		prefix: 0x1d,
		actions: map[byte]Action{
			'q': ActionQuit,
			'.': ActionSendLiteral,
			't': ActionToggleTimestampFilter,
		},
	}
}

// LoadKeymap reads and parses path (tilde-expanded). A missing file is not
// an error: DefaultKeymap() applies, since the console layer's keymap is
// entirely optional configuration.
func LoadKeymap(path string) (*Keymap, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultKeymap(), nil
	}
	if err != nil {
		return nil, err
	}

	var raw keymapFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	km := DefaultKeymap()
	if raw.Prefix != "" {
		km.prefix = parseKeyByte(raw.Prefix)
	}
	for keyStr, actionStr := range raw.Actions {
		action, ok := parseAction(actionStr)
		if !ok {
			continue
		}
		km.actions[parseKeyByte(keyStr)] = action
	}
	return km, nil
}

// parseKeyByte accepts either a single literal character or a "ctrl-X"
// chord spelling (case-insensitive), matching typical serial-console
// keymap conventions.
func parseKeyByte(s string) byte {
	if len(s) >= 6 && strings.EqualFold(s[:5], "ctrl-") {
		c := strings.ToUpper(s[5:6])[0]
		return c - 'A' + 1
	}
	if len(s) > 0 {
		return s[0]
	}
	return 0
}

// PrefixKey returns the configured prefix byte.
func (k *Keymap) PrefixKey() byte {
	return k.prefix
}

// Resolve returns the Action bound to b (the byte following the prefix
// key), if any.
func (k *Keymap) Resolve(b byte) (Action, bool) {
	a, ok := k.actions[b]
	return a, ok
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
