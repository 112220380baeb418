package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// fakeDevice emulates the BusyBox-side behavior of every command shape
// the strategies and the verifier emit, over an in-memory filesystem.
// Commands matching a prefix in fail return a forced error, which lets
// tests knock out individual strategies.
type fakeDevice struct {
	files map[string][]byte
	fail  []string
	cmds  []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{files: make(map[string][]byte)}
}

func (d *fakeDevice) failOn(prefix string) { d.fail = append(d.fail, prefix) }

func (d *fakeDevice) Run(ctx context.Context, cmd string) (string, error) {
	return d.RunInput(ctx, cmd, nil)
}

func (d *fakeDevice) Output(ctx context.Context, cmd string) ([]byte, error) {
	out, err := d.RunInput(ctx, cmd, nil)
	return []byte(out), err
}

func (d *fakeDevice) RunInput(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	d.cmds = append(d.cmds, cmd)
	for _, prefix := range d.fail {
		if strings.HasPrefix(cmd, prefix) {
			return "", fmt.Errorf("forced failure for %q", prefix)
		}
	}

	// The size probe carries a || fallback; both branches mean the
	// same thing here.
	if strings.HasPrefix(cmd, "stat -c %s ") {
		path := unquote(strings.SplitN(strings.TrimPrefix(cmd, "stat -c %s "), " ", 2)[0])
		data, ok := d.files[path]
		if !ok {
			return "", fmt.Errorf("stat: %s: no such file", path)
		}
		return strconv.Itoa(len(data)) + "\n", nil
	}

	var out strings.Builder
	for _, part := range strings.Split(cmd, " && ") {
		s, err := d.exec(part, stdin)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(s)
	}
	return out.String(), nil
}

func (d *fakeDevice) exec(cmd string, stdin io.Reader) (string, error) {
	switch {
	case strings.HasPrefix(cmd, "rm -f "):
		delete(d.files, unquote(strings.TrimPrefix(cmd, "rm -f ")))
		return "", nil

	case strings.HasPrefix(cmd, ": > "):
		d.files[unquote(strings.TrimPrefix(cmd, ": > "))] = nil
		return "", nil

	case strings.HasPrefix(cmd, "printf '"):
		rest := strings.TrimPrefix(cmd, "printf '")
		i := strings.Index(rest, "' >> ")
		if i < 0 {
			return "", fmt.Errorf("unparseable printf: %s", cmd)
		}
		decoded, err := decodeHexEscapes(rest[:i])
		if err != nil {
			return "", err
		}
		dest := unquote(rest[i+len("' >> "):])
		d.files[dest] = append(d.files[dest], decoded...)
		return "", nil

	case strings.HasPrefix(cmd, "base64 -d > "):
		dest := unquote(strings.TrimPrefix(cmd, "base64 -d > "))
		encoded, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			return "", fmt.Errorf("base64: invalid input")
		}
		d.files[dest] = append(d.files[dest], data...)
		return "", nil

	case strings.HasPrefix(cmd, "wget -q -O "):
		rest := strings.TrimPrefix(cmd, "wget -q -O ")
		fields := splitQuoted(rest)
		if len(fields) != 2 {
			return "", fmt.Errorf("unparseable wget: %s", cmd)
		}
		resp, err := http.Get(fields[1])
		if err != nil {
			return "", fmt.Errorf("wget: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("wget: server returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		d.files[fields[0]] = data
		return "", nil

	case strings.HasPrefix(cmd, "mv "):
		fields := splitQuoted(strings.TrimPrefix(cmd, "mv "))
		if len(fields) != 2 {
			return "", fmt.Errorf("unparseable mv: %s", cmd)
		}
		data, ok := d.files[fields[0]]
		if !ok {
			return "", fmt.Errorf("mv: %s: no such file", fields[0])
		}
		d.files[fields[1]] = data
		delete(d.files, fields[0])
		return "", nil

	case strings.HasPrefix(cmd, "sha256sum "):
		path := unquote(strings.TrimPrefix(cmd, "sha256sum "))
		data, ok := d.files[path]
		if !ok {
			return "", fmt.Errorf("sha256sum: %s: no such file", path)
		}
		sum := sha256.Sum256(data)
		return fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), path), nil

	case cmd == "true":
		return "", nil

	default:
		return "", fmt.Errorf("fake device cannot interpret %q", cmd)
	}
}

// decodeHexEscapes reverses hexEscape: a sequence of \xHH tokens back
// into raw bytes.
func decodeHexEscapes(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("escape string length %d not a multiple of 4", len(s))
	}
	out := make([]byte, 0, len(s)/4)
	for i := 0; i < len(s); i += 4 {
		if s[i] != '\\' || s[i+1] != 'x' {
			return nil, fmt.Errorf("bad escape at offset %d: %q", i, s[i:i+4])
		}
		b, err := hex.DecodeString(s[i+2 : i+4])
		if err != nil {
			return nil, err
		}
		out = append(out, b[0])
	}
	return out, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, "'")
}

// splitQuoted splits "'a' 'b'" into its quoted fields.
func splitQuoted(s string) []string {
	var fields []string
	for _, f := range strings.Split(s, " ") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, strings.Trim(f, "'"))
		}
	}
	return fields
}
