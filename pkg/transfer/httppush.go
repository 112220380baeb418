package transfer

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
	"github.com/glennswest/fwpush/pkg/ubus"
)

// httpPushStrategy multipart-POSTs the payload through the device's
// CGI upload endpoint. The endpoint only ever writes to one fixed
// path, so the payload lands there and is relocated with a follow-up
// mv over the command channel.
type httpPushStrategy struct {
	dev sshx.Runner
	ub  *ubus.Client
	log *zap.SugaredLogger
}

func (s *httpPushStrategy) Name() string { return "http-push" }

// Available is unconditional: reachability of the HTTP plane is only
// discoverable by trying, and a failure simply advances the chain.
func (s *httpPushStrategy) Available(caps probe.Set) bool { return true }

func (s *httpPushStrategy) Deliver(ctx context.Context, job Job) error {
	// Session tokens expire quickly server side; always log in fresh
	// right before the upload.
	token, err := s.ub.Login(ctx)
	if err != nil {
		return fmt.Errorf("session login: %w", err)
	}

	if err := clearDest(ctx, s.dev, job.Dest); err != nil {
		return err
	}

	f, err := os.Open(job.SourcePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", job.SourcePath, err)
	}
	defer f.Close()

	if err := s.ub.Upload(ctx, token, f); err != nil {
		return fmt.Errorf("http upload: %w", err)
	}

	if job.Dest != ubus.UploadDest {
		_, err = s.dev.Run(ctx, fmt.Sprintf("mv %s %s",
			shellQuote(ubus.UploadDest), shellQuote(job.Dest)))
		if err != nil {
			return fmt.Errorf("relocating upload: %w", err)
		}
	}
	return nil
}
