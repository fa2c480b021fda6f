package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/internal/utils"
	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

var errNoSession = errors.New("not registered with a session")

// handleMessage serves one request frame from c.
func (s *Server) handleMessage(ctx context.Context, c *Client, data []byte) {
	req, err := syncproto.DecodeRequest(data)
	if err != nil {
		s.replyError(c, c.Session(), err)
		return
	}
	if req.Action == syncproto.ActionRegister {
		s.register(ctx, c, req.Session)
		return
	}

	session := req.Session
	if session == "" {
		session = c.Session()
	}
	if session == "" {
		s.replyError(c, "", errNoSession)
		return
	}
	glog.V(2).Infof("Client %s: %s on session %s", c.ID, req.Action, session)

	switch req.Action {
	case syncproto.ActionRequest:
		s.sendState(ctx, c, session)
	case syncproto.ActionSync:
		s.syncActions(ctx, c, session, req)
	case syncproto.ActionCheck:
		s.check(ctx, c, session, req)
	case syncproto.ActionExternal:
		job, err := req.ExternalData()
		if err != nil {
			s.replyError(c, session, err)
			return
		}
		go s.runExternal(ctx, c, session, job)
	default:
		s.replyError(c, session, fmt.Errorf("unknown action %q", req.Action))
	}
}

// register joins c to session, creating the session when it is empty or
// unknown.
func (s *Server) register(ctx context.Context, c *Client, session string) {
	var (
		sess *store.Session
		err  error
	)
	if session == "" {
		sess, err = s.store.Create(ctx, utils.GenerateSessionID(), nil)
	} else {
		sess, err = s.store.Load(ctx, session)
		if errors.Is(err, store.ErrNotFound) {
			sess, err = s.store.Create(ctx, session, nil)
			if errors.Is(err, store.ErrConditionFailed) {
				// created by someone else in the meantime
				sess, err = s.store.Load(ctx, session)
			}
		}
	}
	if err != nil {
		glog.Errorf("Registering client %s: %v", c.ID, err)
		s.replyError(c, session, err)
		return
	}

	s.hub.Join(sess.ID, c)
	s.reply(c, syncproto.Response{Type: syncproto.TypeRegistration, Session: sess.ID})
	s.reply(c, stateResponse(sess, nil))
}

func (s *Server) sendState(ctx context.Context, c *Client, session string) {
	sess, err := s.store.Load(ctx, session)
	if err != nil {
		s.replyError(c, session, err)
		return
	}
	s.reply(c, stateResponse(sess, nil))
}

// syncActions applies the submitted actions with a bounded
// load-reduce-diff-write loop. Each conflicting write reloads the session
// and reduces the actions again on the fresh document.
func (s *Server) syncActions(ctx context.Context, c *Client, session string, req syncproto.Request) {
	data, err := req.SyncData()
	if err != nil {
		s.replyError(c, session, err)
		return
	}
	for i := range data.Actions {
		data.Actions[i].Action = actions.Prepare(data.Actions[i].Action)
	}
	ids := actions.IDs(data.Actions)
	attempts := s.syncConfig().MaxPatchAttempts
	r := s.reducer()

	var proj *document.Projection
	for attempt := 1; attempt <= attempts; attempt++ {
		sess, err := s.store.Load(ctx, session)
		if err != nil {
			s.syncFailed(c, session, ids, syncproto.ReasonError, err)
			return
		}
		next, err := r.ApplyActions(sess.Document, actions.Unwrap(data.Actions)...)
		if err != nil {
			s.syncFailed(c, session, ids, syncproto.ReasonError, err)
			return
		}
		d := document.Diff(sess.Document, next)
		if d == nil {
			s.syncFailed(c, session, ids, syncproto.ReasonNoDiff, nil)
			return
		}
		proj = document.ProjectionFromDelta(d)

		err = s.store.ApplyDiff(ctx, sess, d)
		if err == nil {
			s.synced(ctx, c, sess, proj, data.Actions)
			return
		}
		if !store.IsRetryable(err) {
			glog.Errorf("Sync on session %s: %v", session, err)
			s.syncFailed(c, session, ids, syncproto.ReasonError, err)
			return
		}
		glog.V(1).Infof("Sync attempt %d/%d on session %s conflicted: %v", attempt, attempts, session, err)
	}

	glog.Warningf("Giving up on %d actions for session %s after %d attempts", len(ids), session, attempts)
	s.syncFailed(c, session, ids, syncproto.ReasonMaxAttempts, nil)
	sess, err := s.store.Load(ctx, session)
	if err != nil {
		s.replyError(c, session, err)
		return
	}
	resp := stateResponse(sess, proj)
	resp.ActionIDs = ids
	s.reply(c, resp)
}

// synced confirms a write to its sender and broadcasts the actions to the
// rest of the session.
func (s *Server) synced(ctx context.Context, c *Client, sess *store.Session, proj *document.Projection, tagged []actions.Tagged) {
	versions := sess.VersionVector(proj)
	s.reply(c, syncproto.Response{
		Type:      syncproto.TypeSyncSuccess,
		Session:   sess.ID,
		ActionIDs: actions.IDs(tagged),
		Versions:  versions,
	})

	msg, err := json.Marshal(syncproto.Response{
		Type:     syncproto.TypeAction,
		Session:  sess.ID,
		Actions:  tagged,
		Versions: versions,
	})
	if err != nil {
		glog.Errorf("Encoding broadcast for session %s: %v", sess.ID, err)
		return
	}
	if err := s.hub.Broadcast(ctx, sess.ID, msg, c.ID); err != nil {
		glog.V(1).Infof("Broadcast to session %s: %v", sess.ID, err)
	}
	if s.fanout != nil {
		if err := s.fanout.Publish(ctx, sess.ID, msg); err != nil {
			glog.Warningf("Publishing session %s to fanout: %v", sess.ID, err)
		}
	}
	s.feed.Publish(sess.ID, sess.Document)
}

// check compares the client's hashes with the stored document and sends
// back whatever differs.
func (s *Server) check(ctx context.Context, c *Client, session string, req syncproto.Request) {
	hashes, err := req.Hashes()
	if err != nil {
		s.replyError(c, session, err)
		return
	}
	sess, err := s.store.Load(ctx, session)
	if err != nil {
		s.replyError(c, session, err)
		return
	}
	mismatch := document.HashDocument(sess.Document).Mismatch(hashes)
	if mismatch == nil {
		s.reply(c, syncproto.Response{Type: syncproto.TypeCheckSuccess, Session: session, CheckID: req.CheckID})
		return
	}
	glog.V(1).Infof("Client %s diverged from session %s", c.ID, session)
	resp := stateResponse(sess, mismatch)
	resp.CheckID = req.CheckID
	resp.Versions = sess.VersionVector(nil)
	s.reply(c, resp)
}

func stateResponse(sess *store.Session, proj *document.Projection) syncproto.Response {
	partial := document.Project(sess.Document, proj)
	return syncproto.Response{
		Type:     syncproto.TypeState,
		Session:  sess.ID,
		State:    &partial,
		Versions: sess.VersionVector(proj),
	}
}

func (s *Server) syncFailed(c *Client, session string, ids []string, reason string, err error) {
	resp := syncproto.Response{
		Type:      syncproto.TypeSyncFailed,
		Session:   session,
		ActionIDs: ids,
		Reason:    reason,
	}
	if err != nil {
		resp.Message = err.Error()
	}
	s.reply(c, resp)
}

func (s *Server) replyError(c *Client, session string, err error) {
	s.reply(c, syncproto.Response{Type: syncproto.TypeError, Session: session, Message: err.Error()})
}

func (s *Server) reply(c *Client, resp syncproto.Response) {
	msg, err := json.Marshal(resp)
	if err != nil {
		glog.Errorf("Encoding %s response: %v", resp.Type, err)
		return
	}
	if err := c.Send(msg); err != nil {
		glog.V(1).Infof("Reply to client %s: %v", c.ID, err)
	}
}
