package syncproto_test

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

// A client outside this module builds and reads frames with public types only.
func TestFramesFromPublicTypes(t *testing.T) {
	req, err := syncproto.NewRequest(syncproto.ActionSync, "s1", syncproto.SyncData{
		Actions: actions.WithIDs(actions.AddCampus{Campus: "south"}),
	})
	assert.Equal(t, err, nil)
	data, err := json.Marshal(req)
	assert.Equal(t, err, nil)
	decoded, err := syncproto.DecodeRequest(data)
	assert.Equal(t, err, nil)
	sync, err := decoded.SyncData()
	assert.Equal(t, err, nil)
	assert.Equal(t, sync.Actions[0].Action, actions.Action(actions.AddCampus{Campus: "south"}))

	doc := document.NewSessionState()
	doc.GroupType = "Prayer"
	partial := document.Project(doc, &document.Projection{Fields: map[string]bool{document.FieldGroupType: true}})
	data, err = json.Marshal(syncproto.Response{Type: syncproto.TypeState, Session: "s1", State: &partial})
	assert.Equal(t, err, nil)

	var resp syncproto.Response
	assert.Equal(t, json.Unmarshal(data, &resp), nil)
	merged := document.Merge(document.NewSessionState(), *resp.State)
	assert.Equal(t, merged.GroupType, "Prayer")
	assert.Equal(t, merged.Campuses, []string{"main"})
}
