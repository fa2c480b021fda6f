package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/wI2L/jsondiff"

	"gihan9a/groupsync/internal/utils"
	"gihan9a/groupsync/pkg/braidproto"
	"gihan9a/groupsync/pkg/document"
)

const feedBuffer = 8

// Subscription is a reader following a session document over the feed.
// Updates only carry the latest document; the writer diffs against what
// it last sent, so dropped intermediate documents lose nothing.
type Subscription struct {
	ID           string
	updates      chan []byte
	LastResource []byte // LastResource is the last document sent
	LastHash     string // LastHash is the version of LastResource
}

// Feed streams session documents to Braid-HTTP subscribers.
type Feed struct {
	mu            sync.RWMutex
	subscriptions map[string]map[string]*Subscription
}

func NewFeed() *Feed {
	return &Feed{subscriptions: make(map[string]map[string]*Subscription)}
}

// AddSubscription adds a new subscription for a session
func (f *Feed) AddSubscription(session string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription{
		ID:      utils.GenerateRandomID(),
		updates: make(chan []byte, feedBuffer),
	}
	if _, exists := f.subscriptions[session]; !exists {
		f.subscriptions[session] = make(map[string]*Subscription)
	}
	f.subscriptions[session][sub.ID] = sub

	glog.V(1).Infof("Added subscription %s for session %s", sub.ID, session)
	return sub
}

// RemoveSubscription removes a subscription
func (f *Feed) RemoveSubscription(session, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if subs, exists := f.subscriptions[session]; exists {
		delete(subs, subID)
		glog.V(1).Infof("Removed subscription %s for session %s", subID, session)
		if len(subs) == 0 {
			delete(f.subscriptions, session)
		}
	}
}

// Watched reports whether session has subscribers.
func (f *Feed) Watched(session string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscriptions[session]) > 0
}

// Publish hands the new document of session to its subscribers.
func (f *Feed) Publish(session string, doc document.Document) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	subs := f.subscriptions[session]
	if len(subs) == 0 {
		return
	}
	data, err := encodeDocument(doc)
	if err != nil {
		glog.Errorf("Encoding session %s for the feed: %v", session, err)
		return
	}
	glog.V(2).Infof("Notifying %d subscribers for session %s", len(subs), session)
	for _, sub := range subs {
		// Drop the oldest pending document to make room.
		select {
		case sub.updates <- data:
		default:
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- data:
			default:
			}
		}
	}
}

// Stream writes the initial document and then every change until ctx is
// done.
func (sub *Subscription) Stream(ctx context.Context, w io.Writer, flush func(), initial []byte) error {
	if err := sub.sendFullUpdate(w, initial); err != nil {
		return err
	}
	flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-sub.updates:
			if err := sub.send(w, data); err != nil {
				return err
			}
			flush()
		}
	}
}

func (sub *Subscription) send(w io.Writer, data []byte) error {
	hash := utils.CalculateHash(data)
	if hash == sub.LastHash {
		return nil
	}
	if err := sub.sendPatchUpdate(w, data, hash); err != nil {
		glog.Warningf("Error sending patch update: %v, falling back to full update", err)
		return sub.sendFullUpdate(w, data)
	}
	return nil
}

// sendFullUpdate sends a full document to a subscriber
func (sub *Subscription) sendFullUpdate(w io.Writer, data []byte) error {
	hash := utils.CalculateHash(data)
	update := braidproto.Update{Version: []string{hash}, Body: string(data)}
	if sub.LastHash != "" {
		update.Parents = []string{sub.LastHash}
	}
	if _, err := update.WriteTo(w); err != nil {
		return err
	}
	sub.LastResource = data
	sub.LastHash = hash
	return nil
}

// sendPatchUpdate sends the JSON Patch from the last document to data
func (sub *Subscription) sendPatchUpdate(w io.Writer, data []byte, hash string) error {
	ops, err := jsondiff.CompareJSON(sub.LastResource, data)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	update := braidproto.Update{
		Version: []string{hash},
		Parents: []string{sub.LastHash},
		Patches: make([]braidproto.Patch, 0, len(ops)),
	}
	for _, op := range ops {
		patch := braidproto.Patch{Unit: op.Type, Range: op.Path}
		if op.Type != jsondiff.OperationRemove {
			value, err := json.Marshal(op.Value)
			if err != nil {
				return fmt.Errorf("encode patch value: %w", err)
			}
			patch.Content = string(value)
		}
		update.Patches = append(update.Patches, patch)
	}
	if _, err := update.WriteTo(w); err != nil {
		return err
	}
	sub.LastResource = data
	sub.LastHash = hash
	return nil
}

func encodeDocument(doc document.Document) ([]byte, error) {
	return json.Marshal(doc.Normalize())
}
