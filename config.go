package subprocess

import (
	"os"
	"strings"
)

// Arg is a single argument value. The source spec models arguments as a sum
// of string | bytes; Go represents that sum as a byte slice directly, since
// a string is already a read-only byte sequence and callers with raw,
// non-UTF-8 argument bytes can build an Arg from a []byte without loss.
type Arg []byte

// ArgString builds an Arg from a string.
func ArgString(s string) Arg { return Arg(s) }

// ArgBytes builds an Arg from raw bytes.
func ArgBytes(b []byte) Arg { return Arg(append([]byte(nil), b...)) }

func (a Arg) String() string { return string(a) }

// Arguments is the ordered list of arguments passed to the child, with an
// optional distinct argv[0] override.
type Arguments struct {
	Values []Arg
	// Argv0 overrides argv[0]; when empty, the executable path is used.
	Argv0 string
}

// Build returns the full argv, including argv[0].
func (a Arguments) Build(executablePath string) []string {
	argv0 := a.Argv0
	if argv0 == "" {
		argv0 = executablePath
	}
	out := make([]string, 0, len(a.Values)+1)
	out = append(out, argv0)
	for _, v := range a.Values {
		out = append(out, v.String())
	}
	return out
}

// EnvEntry is a single environment variable override. Keys may be supplied
// as either UTF-8 strings or raw bytes; §4.2 step 2 preserves the source
// behavior that removal of an inherited key only applies when the override
// key has a valid UTF-8 form; Environment.Build checks each key's form when
// it decides which inherited keys to remove.
type EnvEntry struct {
	Key   Arg
	Value Arg
}

// Environment is either Inherit(overrides) or Custom(entries), matching the
// spec's two environment variants exactly.
type Environment struct {
	inherit   bool
	overrides []EnvEntry
	custom    []EnvEntry
}

// InheritWithOverrides builds an Environment that starts from the parent's
// current environment, removes any key present in overrides that has a
// valid UTF-8 form, and appends overrides followed by the remaining
// inherited pairs.
func InheritWithOverrides(overrides ...EnvEntry) Environment {
	return Environment{inherit: true, overrides: overrides}
}

// CustomEnvironment builds an Environment that emits only the given entries,
// ignoring the parent's environment entirely.
func CustomEnvironment(entries ...EnvEntry) Environment {
	return Environment{custom: entries}
}

// Build returns the fully marshalled, null-terminator-free envp (Go's
// exec primitives append the NUL themselves), one "KEY=VALUE" string per
// entry, in the order mandated by §4.2 step 2.
func (e Environment) Build() []string {
	if !e.inherit {
		out := make([]string, 0, len(e.custom))
		for _, ent := range e.custom {
			out = append(out, ent.Key.String()+"="+ent.Value.String())
		}
		return out
	}

	removeKeys := make(map[string]struct{}, len(e.overrides))
	for _, ov := range e.overrides {
		// Only a validly-UTF-8 key participates in removal from the
		// inherited set; a raw-bytes key that happens to decode as valid
		// UTF-8 is indistinguishable from a string key and is removed too,
		// matching the source behavior verbatim (see the config.go entry
		// in DESIGN.md).
		if isValidUTF8(ov.Key) {
			removeKeys[ov.Key.String()] = struct{}{}
		}
	}

	inherited := os.Environ()
	remaining := make([]string, 0, len(inherited))
	for _, kv := range inherited {
		k, _, ok := strings.Cut(kv, "=")
		if !ok {
			remaining = append(remaining, kv)
			continue
		}
		if _, drop := removeKeys[k]; drop {
			continue
		}
		remaining = append(remaining, kv)
	}

	out := make([]string, 0, len(e.overrides)+len(remaining))
	for _, ov := range e.overrides {
		out = append(out, ov.Key.String()+"="+ov.Value.String())
	}
	out = append(out, remaining...)
	return out
}

func isValidUTF8(a Arg) bool {
	return strings.ToValidUTF8(a.String(), "�") == a.String()
}

// StdinConfig selects how the child's stdin is provisioned.
type StdinConfig struct {
	kind stdinKind
	file fileConfig
	pipe pipeConfig
}

type stdinKind int

const (
	stdinNone stdinKind = iota
	stdinPipeFromParent
	stdinReadFromFile
)

// StdinNone redirects the child's stdin from /dev/null.
func StdinNone() StdinConfig { return StdinConfig{kind: stdinNone} }

// StdinPipeFromParent exposes a non-blocking Input the parent writes to. A
// zero size requests no buffer-size hint.
func StdinPipeFromParent(size int) StdinConfig {
	return StdinConfig{kind: stdinPipeFromParent, pipe: pipeConfig{size: size}}
}

// StdinReadFromFile makes the child's stdin a caller-owned descriptor. If
// close is true, the parent side of fd is closed after spawn.
func StdinReadFromFile(fd int, close bool) StdinConfig {
	return StdinConfig{kind: stdinReadFromFile, file: fileConfig{fd: fd, close: close}}
}

// StreamConfig selects how the child's stdout/stderr is provisioned.
type StreamConfig struct {
	kind stdoutKind
	file fileConfig
	pipe pipeConfig
}

type stdoutKind int

const (
	streamDiscard stdoutKind = iota
	streamPipeToParent
	streamWriteToFile
)

// StreamDiscard redirects the child's stream to /dev/null.
func StreamDiscard() StreamConfig { return StreamConfig{kind: streamDiscard} }

// StreamPipeToParent exposes a non-blocking Output the parent reads from. A
// zero size requests no buffer-size hint.
func StreamPipeToParent(size int) StreamConfig {
	return StreamConfig{kind: streamPipeToParent, pipe: pipeConfig{size: size}}
}

// StreamWriteToFile makes the child's stream a caller-owned descriptor. If
// close is true, the parent side of fd is closed after spawn.
func StreamWriteToFile(fd int, close bool) StreamConfig {
	return StreamConfig{kind: streamWriteToFile, file: fileConfig{fd: fd, close: close}}
}

type fileConfig struct {
	fd    int
	close bool
}

type pipeConfig struct {
	size int
}

// Params are the full set of initialization parameters for Subprocess.
type Params struct {
	ExecutablePath string
	Arguments      Arguments
	Environment    Environment
	Stdin          StdinConfig
	Stdout         StreamConfig
	Stderr         StreamConfig
}
