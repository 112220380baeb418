package upgrade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// fakeDev emulates a dual-boot device for orchestrator tests: an
// in-memory filesystem, a minimal safe-upgrade helper, and a liveness
// flag that goes false when the upgrade command triggers the reboot.
type fakeDev struct {
	files        map[string][]byte
	caps         []string // names echoed by the probe
	alive        bool
	bootstrapped bool
	curPart      int
	status       string // helper state: "testing" or "confirmed"
	upgradeFails bool   // upgrade command errors with the channel alive
	cmds         []string
}

func newFakeDev() *fakeDev {
	return &fakeDev{
		files:        make(map[string][]byte),
		alive:        true,
		bootstrapped: true,
		curPart:      1,
		status:       "testing",
	}
}

func (d *fakeDev) Run(ctx context.Context, cmd string) (string, error) {
	return d.RunInput(ctx, cmd, nil)
}

func (d *fakeDev) Output(ctx context.Context, cmd string) ([]byte, error) {
	out, err := d.RunInput(ctx, cmd, nil)
	return []byte(out), err
}

func (d *fakeDev) RunInput(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	if !d.alive {
		return "", fmt.Errorf("ssh: connection lost")
	}
	d.cmds = append(d.cmds, cmd)

	switch {
	case strings.HasPrefix(cmd, "which "):
		return strings.Join(d.caps, "\n") + "\n", nil

	case strings.HasPrefix(cmd, "stat -c %s "):
		path := unq(strings.SplitN(strings.TrimPrefix(cmd, "stat -c %s "), " ", 2)[0])
		data, ok := d.files[path]
		if !ok {
			return "", fmt.Errorf("stat: %s: no such file", path)
		}
		return strconv.Itoa(len(data)) + "\n", nil

	case strings.Contains(cmd, "safe-upgrade status"):
		if !d.bootstrapped {
			return "safe-upgrade: not bootstrapped\n", nil
		}
		return fmt.Sprintf("current partition: %d\nstate: %s\n", d.curPart, d.status), nil

	case strings.Contains(cmd, "safe-upgrade confirm"):
		d.status = "confirmed"
		return "confirmed\n", nil

	case strings.Contains(cmd, "safe-upgrade upgrade"), strings.Contains(cmd, "safe-upgrade bootstrap"):
		if d.upgradeFails {
			return "safe-upgrade: image does not fit partition\n", fmt.Errorf("exit status 1")
		}
		// Reboot: this command never returns cleanly and the channel
		// dies with it.
		d.alive = false
		return "", fmt.Errorf("ssh: connection lost")

	case strings.HasPrefix(cmd, "cat /etc/openwrt_release"):
		return "DISTRIB_DESCRIPTION='LibreMesh 23.05'\n", nil

	case cmd == "true":
		return "", nil
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

func (d *fakeDev) exec(cmd string, stdin io.Reader) (string, error) {
	switch {
	case strings.HasPrefix(cmd, "rm -f "):
		delete(d.files, unq(strings.TrimPrefix(cmd, "rm -f ")))
		return "", nil

	case strings.HasPrefix(cmd, ": > "):
		d.files[unq(strings.TrimPrefix(cmd, ": > "))] = nil
		return "", nil

	case strings.HasPrefix(cmd, "printf '"):
		rest := strings.TrimPrefix(cmd, "printf '")
		i := strings.Index(rest, "' >> ")
		if i < 0 {
			return "", fmt.Errorf("unparseable printf: %s", cmd)
		}
		decoded, err := unescapeHex(rest[:i])
		if err != nil {
			return "", err
		}
		dest := unq(rest[i+len("' >> "):])
		d.files[dest] = append(d.files[dest], decoded...)
		return "", nil

	case strings.HasPrefix(cmd, "mv "):
		fields := strings.Fields(strings.TrimPrefix(cmd, "mv "))
		if len(fields) != 2 {
			return "", fmt.Errorf("unparseable mv: %s", cmd)
		}
		src, dst := unq(fields[0]), unq(fields[1])
		data, ok := d.files[src]
		if !ok {
			return "", fmt.Errorf("mv: %s: no such file", src)
		}
		d.files[dst] = data
		delete(d.files, src)
		return "", nil

	case strings.HasPrefix(cmd, "chmod "):
		return "", nil

	case strings.HasPrefix(cmd, "sha256sum "):
		path := unq(strings.TrimPrefix(cmd, "sha256sum "))
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

func unq(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'")
}

func unescapeHex(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("escape length %d not a multiple of 4", len(s))
	}
	out := make([]byte, 0, len(s)/4)
	for i := 0; i < len(s); i += 4 {
		if s[i] != '\\' || s[i+1] != 'x' {
			return nil, fmt.Errorf("bad escape at %d", i)
		}
		b, err := hex.DecodeString(s[i+2 : i+4])
		if err != nil {
			return nil, err
		}
		out = append(out, b[0])
	}
	return out, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
