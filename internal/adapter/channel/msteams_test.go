package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

// fakeBotFramework serves the token endpoint and the conversations API.
type fakeBotFramework struct {
	mu         sync.Mutex
	tokenCalls int
	tokenForm  map[string]string
	activities []map[string]any
	paths      []string
	auth       []string
}

func newFakeBotFramework(t *testing.T) (*fakeBotFramework, *httptest.Server) {
	t.Helper()
	f := &fakeBotFramework{}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotFramework) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path == "/token" {
		_ = r.ParseForm()
		f.tokenCalls++
		f.tokenForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
			"scope":         r.PostForm.Get("scope"),
		}
		if r.PostForm.Get("client_secret") == "wrong" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.activities = append(f.activities, body)
	f.paths = append(f.paths, r.URL.EscapedPath())
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "act-1"})
}

func msteamsConfig(section map[string]any) map[string]any {
	return map[string]any{"channels": map[string]any{"msteams": section}}
}

func msteamsCreds(extra map[string]any) map[string]any {
	section := map[string]any{"appId": "app", "appPassword": "secret", "tenantId": "tenant"}
	for k, v := range extra {
		section[k] = v
	}
	return msteamsConfig(section)
}

func newTestMSTeams(t *testing.T, srv *httptest.Server) *MSTeams {
	t.Helper()
	t.Setenv(msteamsAppIDEnv, "")
	t.Setenv(msteamsAppPasswordEnv, "")
	t.Setenv(msteamsTenantIDEnv, "")
	opts := []MSTeamsOption{}
	if srv != nil {
		opts = append(opts, WithMSTeamsTokenURL(srv.URL+"/token"), WithMSTeamsHTTPClient(srv.Client()))
	}
	return NewMSTeams(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestMSTeams_ResolveAccount(t *testing.T) {
	m := newTestMSTeams(t, nil)

	assert.Equal(t, []string{"default"}, m.ListAccountIDs(nil))

	acct := m.ResolveAccount(msteamsConfig(map[string]any{"appId": "app"}), "ignored")
	assert.Equal(t, "default", acct.AccountID)
	assert.False(t, acct.Configured)
	assert.True(t, acct.Enabled)

	t.Setenv(msteamsAppPasswordEnv, "env-secret")
	t.Setenv(msteamsTenantIDEnv, "env-tenant")
	acct = m.ResolveAccount(msteamsConfig(map[string]any{"appId": "app", "enabled": false}), "")
	assert.True(t, acct.Configured)
	assert.False(t, acct.Enabled)
	assert.Equal(t, "env-secret", acct.Token)
	assert.Equal(t, TokenSourceEnv, acct.TokenSource)
	assert.Equal(t, "env-tenant", acct.Config["tenantId"])

	snap := m.DescribeAccount(acct)
	assert.Equal(t, domain.AccountSnapshot{AccountID: "default", Enabled: false, Configured: true}, snap)
}

func TestMSTeams_DeleteAccount(t *testing.T) {
	m := newTestMSTeams(t, nil)

	next := m.DeleteAccount(msteamsCreds(nil), "")
	assert.NotContains(t, next, "channels", "empty channels map is dropped")

	cfg := msteamsCreds(nil)
	cfg["channels"].(map[string]any)["discord"] = map[string]any{"token": "t"}
	next = m.DeleteAccount(cfg, "")
	assert.Nil(t, Section(next, "msteams"))
	assert.NotNil(t, Section(next, "discord"))
	assert.NotNil(t, Section(cfg, "msteams"), "input must not be mutated")

	enabled := m.SetAccountEnabled(nil, "", false)
	assert.Equal(t, false, Section(enabled, "msteams")["enabled"])

	applied := m.ApplyAccountConfig(enabled, "whatever", domain.SetupInput{})
	assert.Equal(t, true, Section(applied, "msteams")["enabled"])
	assert.Equal(t, "default", m.ResolveSetupAccountID("work"))
}

func TestMSTeams_NormalizeTarget(t *testing.T) {
	m := newTestMSTeams(t, nil)

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"", "", false},
		{"teams:", "", false},
		{"msteams:conversation: 19:abc@thread.tacv2", "conversation:19:abc@thread.tacv2", true},
		{"Teams:USER:29:xyz", "user:29:xyz", true},
		{" 19:raw@thread.skype ", "19:raw@thread.skype", true},
	}
	for _, tt := range tests {
		got, ok := m.NormalizeTarget(tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestMSTeams_Directory(t *testing.T) {
	m := newTestMSTeams(t, nil)
	cfg := msteamsCreds(map[string]any{
		"allowFrom": []any{"*", "aad-1", "user:aad-2"},
		"dms":       map[string]any{"conversation:a:dm": map[string]any{}},
		"teams": map[string]any{
			"team-1": map[string]any{"channels": map[string]any{
				"19:general@thread.tacv2":          map[string]any{},
				"conversation:19:ops@thread.tacv2": map[string]any{},
				"*":                                map[string]any{},
			}},
		},
	})

	peers, err := m.ListPeers(context.Background(), domain.DirectoryQuery{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, []domain.DirectoryEntry{
		{Kind: "user", ID: "user:aad-1"},
		{Kind: "user", ID: "user:aad-2"},
		{Kind: "user", ID: "conversation:a:dm"},
	}, peers)

	groups, err := m.ListGroups(context.Background(), domain.DirectoryQuery{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, []domain.DirectoryEntry{
		{Kind: "group", ID: "conversation:19:general@thread.tacv2"},
		{Kind: "group", ID: "conversation:19:ops@thread.tacv2"},
	}, groups)
}

func TestMSTeams_ActionsAndWarnings(t *testing.T) {
	m := newTestMSTeams(t, nil)

	assert.Equal(t, []string{}, m.ListActions(msteamsConfig(map[string]any{"appId": "a"})))
	assert.Equal(t, []string{"poll"}, m.ListActions(msteamsCreds(nil)))
	assert.Equal(t, []string{}, m.ListActions(msteamsCreds(map[string]any{"enabled": false})))

	assert.Empty(t, m.CollectWarnings(msteamsCreds(nil), domain.ChannelAccount{}))
	warnings := m.CollectWarnings(msteamsCreds(map[string]any{"groupPolicy": "open"}), domain.ChannelAccount{})
	require.Len(t, warnings, 1)
	assert.True(t, strings.HasPrefix(warnings[0], `- MS Teams groups: groupPolicy="open"`))

	policy := m.ResolveDMPolicy(msteamsCreds(map[string]any{"allowFrom": []any{"msteams:AAD-1"}}), domain.ChannelAccount{})
	assert.Equal(t, "pairing", policy.Policy)
	assert.Equal(t, "channels.msteams.", policy.AllowFromPath)
	assert.True(t, admitDirect(policy, "aad-1"))
	assert.Equal(t, "msteamsUserId", m.PairingIDLabel())
}

func TestMSTeams_Status(t *testing.T) {
	m := newTestMSTeams(t, nil)

	rt := m.DefaultRuntime()
	assert.Contains(t, rt.Fields, "port")

	snap := m.BuildAccountSnapshot(domain.SnapshotInput{
		Account: domain.ChannelAccount{AccountID: "default", Enabled: true, Configured: true},
		Runtime: &domain.AccountRuntime{Running: true, Fields: map[string]any{"port": 3978}},
	})
	summary := m.BuildChannelSummary(snap)
	assert.Equal(t, 3978, summary["port"])
	assert.Equal(t, true, summary["running"])
	assert.NotContains(t, summary, "tokenSource")
}

func TestMSTeams_SendText(t *testing.T) {
	bf, srv := newFakeBotFramework(t)
	m := newTestMSTeams(t, srv)
	cfg := msteamsCreds(nil)

	res := m.SendText(context.Background(), domain.OutboundRequest{Config: cfg, To: "conversation:c1", Text: "hi"})
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "no conversation reference")

	m.refs.remember(&teamsActivity{
		ServiceURL:   srv.URL + "/",
		Conversation: teamsConversation{ID: "c1"},
		From:         teamsAccount{ID: "U-1"},
	})

	res = m.SendText(context.Background(), domain.OutboundRequest{Config: cfg, To: "conversation:c1", Text: "hi", ReplyToID: "r1"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "act-1", res.MessageID)
	assert.Equal(t, "c1", res.ConversationID)

	res = m.SendMedia(context.Background(), domain.OutboundRequest{Config: cfg, To: "user:u-1", Text: "pic", MediaURL: "https://x/a.png"})
	require.True(t, res.OK(), res.Error)

	bf.mu.Lock()
	defer bf.mu.Unlock()
	assert.Equal(t, 1, bf.tokenCalls, "token is cached")
	assert.Equal(t, "client_credentials", bf.tokenForm["grant_type"])
	assert.Equal(t, "app", bf.tokenForm["client_id"])
	assert.Equal(t, msteamsTokenScope, bf.tokenForm["scope"])
	require.Len(t, bf.activities, 2)
	assert.Equal(t, "/v3/conversations/c1/activities", bf.paths[0])
	assert.Equal(t, "Bearer tok-1", bf.auth[0])
	assert.Equal(t, "hi", bf.activities[0]["text"])
	assert.Equal(t, "r1", bf.activities[0]["replyToId"])
	assert.Equal(t, "pic\nhttps://x/a.png", bf.activities[1]["text"])
}

func TestMSTeams_SendPoll(t *testing.T) {
	bf, srv := newFakeBotFramework(t)
	m := newTestMSTeams(t, srv)
	m.refs.remember(&teamsActivity{ServiceURL: srv.URL, Conversation: teamsConversation{ID: "c1", IsGroup: true}})

	res := m.SendPoll(context.Background(), domain.PollRequest{
		Config: msteamsCreds(nil),
		To:     "conversation:c1",
		Poll:   domain.Poll{Question: "Ship it?", Options: []string{"yes", "no"}},
	})
	require.True(t, res.OK(), res.Error)
	assert.NotEmpty(t, res.Meta["pollId"])

	bf.mu.Lock()
	defer bf.mu.Unlock()
	require.Len(t, bf.activities, 1)
	attachments, ok := bf.activities[0]["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "application/vnd.microsoft.card.adaptive", att["contentType"])
	content := att["content"].(map[string]any)
	body := content["body"].([]any)
	assert.Equal(t, "Ship it?", body[0].(map[string]any)["text"])
	assert.Len(t, body[1].(map[string]any)["choices"], 2)

	tooMany := make([]string, msteamsPollMax+1)
	res = m.SendPoll(context.Background(), domain.PollRequest{Config: msteamsCreds(nil), To: "c1", Poll: domain.Poll{Question: "q", Options: tooMany}})
	assert.False(t, res.OK())
}

func TestMSTeams_ProbeAccount(t *testing.T) {
	_, srv := newFakeBotFramework(t)
	m := newTestMSTeams(t, srv)

	acct := m.ResolveAccount(msteamsCreds(nil), "")
	res := m.ProbeAccount(context.Background(), acct, time.Second)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "app", res.Details["appId"])

	bad := m.ResolveAccount(msteamsCreds(map[string]any{"appPassword": "wrong"}), "")
	res = m.ProbeAccount(context.Background(), bad, time.Second)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "401")

	res = m.ProbeAccount(context.Background(), domain.ChannelAccount{}, time.Second)
	assert.Equal(t, "missing credentials", res.Error)
}

func TestStripTeamsHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"<at>relaybot</at> hello", " hello"},
		{"<p>para <b>bold</b></p>", "para bold"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripTeamsHTML(tt.in))
	}
}

func TestMSTeams_StartAccountServesWebhook(t *testing.T) {
	m := newTestMSTeams(t, nil)
	cfg := msteamsCreds(map[string]any{
		"dmPolicy":    "open",
		"groupPolicy": "open",
		"webhook":     map[string]any{"port": 0},
	})
	acct := m.ResolveAccount(cfg, "")

	var (
		mu     sync.Mutex
		status map[string]any
	)
	inbound := make(chan domain.InboundMessage, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := m.StartAccount(ctx, domain.GatewayContext{
		Config:    cfg,
		AccountID: "default",
		Account:   acct,
		SetStatus: func(f map[string]any) {
			mu.Lock()
			status = f
			mu.Unlock()
		},
		OnInbound: func(msg domain.InboundMessage) { inbound <- msg },
	})
	require.NoError(t, err)

	mu.Lock()
	addr, _ := status["addr"].(string)
	mu.Unlock()
	require.NotEmpty(t, addr)
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	endpoint := "http://127.0.0.1:" + port + msteamsDefaultPath

	post := func(activity map[string]any) {
		raw, err := json.Marshal(activity)
		require.NoError(t, err)
		resp, err := http.Post(endpoint, "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	post(map[string]any{
		"type":         "message",
		"id":           "m1",
		"serviceUrl":   "https://smba.example/",
		"text":         "hello bot",
		"from":         map[string]any{"id": "29:user", "name": "Ann"},
		"conversation": map[string]any{"id": "a:dm", "tenantId": "tenant"},
	})
	post(map[string]any{
		"type":         "message",
		"id":           "m2",
		"serviceUrl":   "https://smba.example/",
		"text":         "no mention here",
		"from":         map[string]any{"id": "29:user"},
		"conversation": map[string]any{"id": "19:room", "isGroup": true, "tenantId": "tenant"},
	})
	post(map[string]any{
		"type":         "message",
		"id":           "m3",
		"serviceUrl":   "https://smba.example/",
		"text":         "<at>relaybot</at> status?",
		"from":         map[string]any{"id": "29:user"},
		"conversation": map[string]any{"id": "19:room", "isGroup": true, "tenantId": "tenant"},
		"entities":     []any{map[string]any{"type": "mention", "mentioned": map[string]any{"id": "app"}}},
	})
	post(map[string]any{
		"type":         "message",
		"text":         "foreign",
		"from":         map[string]any{"id": "29:x"},
		"conversation": map[string]any{"id": "a:other", "tenantId": "someone-else"},
	})

	var got []domain.InboundMessage
	for len(got) < 2 {
		select {
		case msg := <-inbound:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for inbound messages, got %d", len(got))
		}
	}
	assert.Equal(t, "hello bot", got[0].Text)
	assert.Equal(t, domain.ChatDirect, got[0].ChatType)
	assert.Equal(t, "conversation:a:dm", got[0].ChatID)
	assert.Equal(t, "status?", got[1].Text)
	assert.True(t, got[1].IsMention)
	assert.Equal(t, domain.ChatChannel, got[1].ChatType)

	ref, ok := m.refs.byUser("29:USER")
	require.True(t, ok)
	assert.Equal(t, "a:dm", ref.ConversationID)
	_, ok = m.refs.byConversation("a:other")
	assert.False(t, ok, "foreign tenant activities are not remembered")

	cancel()
	select {
	case <-handle.Done():
		assert.NoError(t, handle.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
