package syncproto

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"

	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
)

func init() {
	_ = flag.Set("logtostderr", "true")
}

func vector(t *testing.T, s string) VersionVector {
	t.Helper()
	var v VersionVector
	assert.Equal(t, json.Unmarshal([]byte(s), &v), nil)
	return v
}

func TestAboveMin(t *testing.T) {
	cases := []struct {
		version, floor string
		want           bool
	}{
		{`[1,0,0]`, `[1,0,0]`, false},
		{`[2,0,0]`, `[1,0,0]`, true},
		{`[1,1,0]`, `[1,0,0]`, true},
		{`[1,0,1]`, `[1,0,0]`, true},
		{`[1,0,1]`, `[1,0,1]`, false},
		{`[0,0,2]`, `[1,0,1]`, true},
		{`[0,0,1]`, `[1,0,1]`, false},
		{`[0,{}]`, `[1,{}]`, false},
		{`[1,{}]`, `[1,{}]`, false},
		{`[2,{}]`, `[1,{}]`, true},
		{`[2,{}]`, `[1,{"a":1}]`, true},
		{`[1,{}]`, `[1,{"a":1}]`, false},
		{`[1,{"a":1}]`, `[1,{"a":1}]`, false},
		{`[1,{"a":2}]`, `[1,{"a":1}]`, true},
		{`[1,{"a":2,"b":1}]`, `[1,{"a":1,"b":1}]`, true},
		{`[0,{"a":1,"b":2,"c":1}]`, `[1,{"a":1,"b":1,"c":2}]`, true},
		{`[1,{"a":1,"b":1}]`, `[1,{"a":1}]`, true},
		{`[1,{}]`, `[1,0]`, true},
		{`[1,0]`, `[1,{"a":1}]`, false},
		{`[1,0,5]`, `[1,0]`, false},
	}
	for _, tc := range cases {
		got := vector(t, tc.version).AboveMin(vector(t, tc.floor))
		if got != tc.want {
			t.Errorf("%s above %s = %v, want %v", tc.version, tc.floor, got, tc.want)
		}
	}
	assert.Equal(t, vector(t, `[0]`).AboveMin(nil), true)
}

func TestRaise(t *testing.T) {
	floor := vector(t, `[1,{"a":3,"b":1},2]`)
	raised := vector(t, `[4,{"a":1,"c":2},0]`).Raise(floor)
	assert.Equal(t, raised, vector(t, `[4,{"a":3,"c":2},2]`))

	assert.Equal(t, vector(t, `[1,{"a":1}]`).Raise(vector(t, `[2,0]`)), vector(t, `[2,{"a":1}]`))
	assert.Equal(t, vector(t, `[1,0]`).Raise(vector(t, `[0,{"a":1}]`)), vector(t, `[1,{"a":1}]`))

	first := vector(t, `[1,{"a":1}]`)
	copied := first.Raise(nil)
	copied[1].Keys["a"] = 9
	assert.Equal(t, first[1].Keys["a"], uint64(1))
}

func TestVersionEntryJSON(t *testing.T) {
	v := VersionVector{Counter(1), Keyed(map[string]uint64{"nig": 6}), Keyed(nil)}
	data, err := json.Marshal(v)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `[1,{"nig":6},{}]`)

	var e VersionEntry
	assert.NotEqual(t, json.Unmarshal([]byte(`"x"`), &e), nil)
}

func TestDecodeRequest(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"session":"s"}`))
	assert.NotEqual(t, err, nil)
	_, err = DecodeRequest([]byte(`{`))
	assert.NotEqual(t, err, nil)

	req, err := DecodeRequest([]byte(`{"action":"syncAction","session":"s","data":{"actions":[{"type":"addCampus","campus":"online","id":"a1"}]}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, req.Action, ActionSync)
	data, err := req.SyncData()
	assert.Equal(t, err, nil)
	assert.Equal(t, data.Actions, []actions.Tagged{{ID: "a1", Action: actions.AddCampus{Campus: "online"}}})
}

func TestCheckRequestRoundTrip(t *testing.T) {
	hashes := document.HashDocument(document.NewSessionState())
	req, err := NewRequest(ActionCheck, "s", hashes)
	assert.Equal(t, err, nil)
	req.CheckID = "c1"

	data, err := json.Marshal(req)
	assert.Equal(t, err, nil)
	decoded, err := DecodeRequest(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.CheckID, "c1")
	got, err := decoded.Hashes()
	assert.Equal(t, err, nil)
	assert.Equal(t, got, hashes)
}

func TestResponseJSON(t *testing.T) {
	groupType := "Bible Study"
	resp := Response{
		Type:     TypeState,
		Session:  "s",
		State:    &document.Partial{GroupType: &groupType},
		Versions: VersionVector{Counter(0), Counter(2)},
	}
	data, err := json.Marshal(resp)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `{"type":"state","session":"s","state":{"groupType":"Bible Study"},"versions":[0,2]}`)

	var back Response
	assert.Equal(t, json.Unmarshal(data, &back), nil)
	assert.Equal(t, *back.State.GroupType, groupType)
	assert.Equal(t, back.Versions, resp.Versions)
}
