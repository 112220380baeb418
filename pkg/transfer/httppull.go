package transfer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
)

// httpPullStrategy serves the file from a transient HTTP server on the
// operator's machine and has the device fetch it with wget. Requires
// reverse reachability, which is the common case on a directly
// attached management network.
type httpPullStrategy struct {
	dev     sshx.Runner
	localIP string
	log     *zap.SugaredLogger
}

func (s *httpPullStrategy) Name() string { return "http-pull" }

func (s *httpPullStrategy) Available(caps probe.Set) bool {
	return caps.Has(probe.CapWget) && s.localIP != ""
}

func (s *httpPullStrategy) Deliver(ctx context.Context, job Job) error {
	if _, err := os.Stat(job.SourcePath); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("starting transient server: %w", err)
	}

	name := "/" + filepath.Base(job.SourcePath)
	mux := http.NewServeMux()
	mux.HandleFunc(name, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, job.SourcePath)
	})

	srv := &http.Server{Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer srv.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(s.localIP, fmt.Sprint(port)), name)
	s.log.Debugw("transient server up", "url", url)

	if err := clearDest(ctx, s.dev, job.Dest); err != nil {
		return err
	}

	_, err = s.dev.Run(ctx, fmt.Sprintf("wget -q -O %s %s", shellQuote(job.Dest), shellQuote(url)))
	if err != nil {
		return fmt.Errorf("device-side wget: %w", err)
	}
	return nil
}
