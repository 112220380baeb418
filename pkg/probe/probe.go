// Package probe inspects a device's command interpreter for the file
// and text utilities that transfer strategies depend on. The result
// only orders and skips strategy candidates; nothing on the device is
// modified.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/sshx"
)

// Capability names a remote utility a transfer strategy can rely on.
type Capability string

const (
	CapWget   Capability = "wget"
	CapBase64 Capability = "base64"
	CapNetcat Capability = "nc"
)

// probed is the fixed list of utilities worth checking. Anything not
// listed here is assumed absent; the chunked strategy needs none of
// them.
var probed = []Capability{CapWget, CapBase64, CapNetcat}

// Set records which utilities the device has.
type Set map[Capability]bool

// Has reports whether the device offers the utility.
func (s Set) Has(c Capability) bool { return s[c] }

// String lists present capabilities in stable order, for logs.
func (s Set) String() string {
	var names []string
	for c, ok := range s {
		if ok {
			names = append(names, string(c))
		}
	}
	if len(names) == 0 {
		return "(none)"
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Detect probes the device once and returns its capability set. All
// presence checks are folded into a single remote invocation so the
// probe costs one round trip regardless of how many utilities are
// checked. A failure here means the channel itself is unusable and the
// whole run must stop before any device state is touched.
func Detect(ctx context.Context, dev sshx.Runner, log *zap.SugaredLogger) (Set, error) {
	var sb strings.Builder
	for _, c := range probed {
		fmt.Fprintf(&sb, "which %s >/dev/null 2>&1 && echo %s; ", c, c)
	}
	// Trailing semicolons make the last which's status irrelevant.
	sb.WriteString("true")

	out, err := dev.Run(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("capability probe: %w", err)
	}

	set := make(Set, len(probed))
	for _, line := range strings.Fields(out) {
		for _, c := range probed {
			if line == string(c) {
				set[c] = true
			}
		}
	}

	log.Infow("device capabilities probed", "capabilities", set.String())
	return set, nil
}
