package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/glennswest/fwpush/pkg/sshx"
)

// RemoteSize returns the byte count of a file on the device. BusyBox
// stat is preferred; images built without it fall back to wc. Both
// probes ride in one command so the fallback costs no extra round
// trip.
func RemoteSize(ctx context.Context, dev sshx.Runner, path string) (int64, error) {
	q := shellQuote(path)
	out, err := dev.Run(ctx, fmt.Sprintf("stat -c %%s %s 2>/dev/null || wc -c < %s", q, q))
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", path, err)
	}

	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("sizing %s: empty response", path)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: unparseable %q", path, fields[0])
	}
	return n, nil
}

// LocalSize returns the byte count of a local file.
func LocalSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}

// VerifySize confirms the remote copy matches the expected byte count.
// A mismatch invalidates the whole transfer; the destination must be
// re-cleared and re-sent, never resumed.
func VerifySize(ctx context.Context, dev sshx.Runner, want int64, remotePath string) error {
	got, err := RemoteSize(ctx, dev, remotePath)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("size mismatch on %s: remote %d, local %d", remotePath, got, want)
	}
	return nil
}

// RemoteSHA256 returns the hex digest of a file on the device, or an
// error when the device has no sha256sum.
func RemoteSHA256(ctx context.Context, dev sshx.Runner, path string) (string, error) {
	out, err := dev.Run(ctx, fmt.Sprintf("sha256sum %s", shellQuote(path)))
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", fmt.Errorf("hashing %s: unexpected output %q", path, strings.TrimSpace(out))
	}
	return strings.ToLower(fields[0]), nil
}

// FileSHA256 returns the hex digest of a local file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
