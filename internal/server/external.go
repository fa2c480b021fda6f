package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"gihan9a/groupsync/pkg/syncproto"
)

// ExternalFunc runs a job against a system outside the store. At most one
// job per session runs at a time.
type ExternalFunc func(ctx context.Context, session string, job syncproto.ExternalData) error

var errNoExternal = errors.New("no external integration configured")

type webhookRequest struct {
	Session   string          `json:"session"`
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Webhook returns an ExternalFunc that POSTs each job to url. Any status
// other than 2xx fails the job with the response body as its message.
func Webhook(url string, timeout time.Duration) ExternalFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, session string, job syncproto.ExternalData) error {
		body, err := json.Marshal(webhookRequest{Session: session, ID: job.ID, Operation: job.Operation, Payload: job.Payload})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", job.Operation, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if text := strings.TrimSpace(string(msg)); text != "" {
			return errors.New(text)
		}
		return fmt.Errorf("%s returned %s", job.Operation, resp.Status)
	}
}

// runExternal runs job under the session lock, reporting progress to c.
func (s *Server) runExternal(ctx context.Context, c *Client, session string, job syncproto.ExternalData) {
	progress := func(typ, message string) {
		s.reply(c, syncproto.Response{
			Type:     syncproto.TypeProgress,
			Session:  session,
			Progress: &syncproto.Progress{Type: typ, ID: job.ID, Message: message},
		})
	}

	ok, err := s.store.AcquireLock(ctx, session, c.ID)
	if err != nil {
		glog.Errorf("Locking session %s for %s: %v", session, job.Operation, err)
		progress(syncproto.ProgressFailed, err.Error())
		return
	}
	if !ok {
		progress(syncproto.ProgressFailed, "try again later")
		return
	}
	progress(syncproto.ProgressStarted, "")
	run := s.external
	if run == nil {
		run = func(context.Context, string, syncproto.ExternalData) error { return errNoExternal }
	}
	err = run(ctx, session, job)
	if rerr := s.store.ReleaseLock(context.WithoutCancel(ctx), session, c.ID); rerr != nil {
		glog.Warningf("Unlocking session %s: %v", session, rerr)
	}
	if err != nil {
		glog.Warningf("External %s on session %s failed: %v", job.Operation, session, err)
		progress(syncproto.ProgressFailed, err.Error())
		return
	}
	glog.V(1).Infof("External %s on session %s completed", job.Operation, session)
	progress(syncproto.ProgressCompleted, "")
}
