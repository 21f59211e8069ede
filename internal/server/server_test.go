package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/addons/base"
	"github.com/lucidgrid/basis/addons/notes"
	"github.com/lucidgrid/basis/internal/config"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/i18n"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var registerAddons sync.Once

// bootApp installs base and notes on a fresh in-memory database and returns
// the wired application.
func bootApp(t *testing.T) *fiber.App {
	t.Helper()
	registerAddons.Do(func() {
		base.MustRegister()
		notes.MustRegister()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	kernel, err := registry.NewKernel(db, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, kernel.Install("notes"))

	catalog := i18n.NewCatalog()
	require.NoError(t, catalog.Load(db))

	cfg := &config.Config{
		SessionTTL:         time.Hour,
		MaxConflictRetries: 3,
		DefaultLang:        "en_US",
	}
	return New(cfg, db, kernel, catalog, zerolog.Nop()).App()
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, sid string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sid})
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

// login opens a session for the seeded administrator.
func login(t *testing.T, app *fiber.App) (string, uint64) {
	t.Helper()
	resp := doJSON(t, app, "POST", "/web/session/authenticate",
		map[string]string{"login": "admin", "password": "admin"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	sid, _ := body["session_id"].(string)
	require.NotEmpty(t, sid)
	uid, _ := body["uid"].(float64)
	require.NotZero(t, uid)
	return sid, uint64(uid)
}

func TestHealthReportsInstalledModules(t *testing.T) {
	app := bootApp(t)
	resp := doJSON(t, app, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
	modules, _ := body["modules"].([]interface{})
	assert.Contains(t, modules, "base")
	assert.Contains(t, modules, "notes")
}

func TestAuthenticationFlow(t *testing.T) {
	app := bootApp(t)

	resp := doJSON(t, app, "POST", "/web/session/authenticate",
		map[string]string{"login": "admin", "password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sid, uid := login(t, app)

	resp = doJSON(t, app, "GET", "/web/session/info", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody(t, resp)
	assert.Equal(t, float64(uid), info["uid"])
	assert.Equal(t, "en_US", info["lang"])

	resp = doJSON(t, app, "POST", "/web/session/logout", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/web/session/info", nil, sid)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "session is gone after logout")
}

func TestDatasetRoutesRequireAuthentication(t *testing.T) {
	app := bootApp(t)
	resp := doJSON(t, app, "GET", "/api/models/note.note", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "auth", body["type"])
}

func TestNoteLifecycleOverREST(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name":    "groceries",
		"content": "milk eggs bread",
		"user_id": uid,
	}, sid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	id, _ := created["id"].(float64)
	require.NotZero(t, id)
	noteURL := fmt.Sprintf("/api/models/note.note/%d", uint64(id))

	resp = doJSON(t, app, "GET", noteURL, nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	note := decodeBody(t, resp)
	assert.Equal(t, "groceries", note["name"])
	assert.Equal(t, "draft", note["state"])
	assert.Equal(t, float64(3), note["word_count"], "stored compute ran on create")

	resp = doJSON(t, app, "PUT", noteURL, map[string]interface{}{
		"content": "just milk",
	}, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", noteURL+"?fields=word_count,name", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	note = decodeBody(t, resp)
	assert.Equal(t, float64(2), note["word_count"], "compute invalidated by the write")

	domain := url.QueryEscape(`[["name","=","groceries"]]`)
	resp = doJSON(t, app, "GET", "/api/models/note.note?domain="+domain, nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody(t, resp)
	assert.Equal(t, float64(1), listing["count"])

	resp = doJSON(t, app, "DELETE", noteURL, nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", noteURL, nil, sid)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodCallOverREST(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "todo", "user_id": uid,
	}, sid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"].(float64)
	noteURL := fmt.Sprintf("/api/models/note.note/%d", uint64(id))

	resp = doJSON(t, app, "POST", noteURL+"/call/mark_done", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["result"])

	resp = doJSON(t, app, "GET", noteURL, nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", decodeBody(t, resp)["state"])

	// Done notes are reserved for the cleanup job.
	resp = doJSON(t, app, "DELETE", noteURL, nil, sid)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "user", decodeBody(t, resp)["type"])
}

func rpcCall(t *testing.T, app *fiber.App, sid string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	resp := doJSON(t, app, "POST", "/jsonrpc", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "call",
		"params":  params,
	}, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody(t, resp)
}

func TestJSONRPC(t *testing.T) {
	app := bootApp(t)

	body := rpcCall(t, app, "", map[string]interface{}{
		"service": "common", "method": "version",
	})
	result, _ := body["result"].(map[string]interface{})
	require.NotNil(t, result)
	assert.Equal(t, Version, result["server_version"])

	// The object service refuses anonymous callers.
	body = rpcCall(t, app, "", map[string]interface{}{
		"service": "object", "method": "execute_kw",
		"model": "note.note", "operation": "search",
	})
	require.NotNil(t, body["error"])

	sid, uid := login(t, app)
	body = rpcCall(t, app, sid, map[string]interface{}{
		"service": "object", "method": "execute_kw",
		"model": "note.note", "operation": "create",
		"args": map[string]interface{}{
			"name": "rpc note", "content": "over the wire", "user_id": uid,
		},
	})
	require.Nil(t, body["error"], "create failed: %v", body["error"])
	id, _ := body["result"].(float64)
	require.NotZero(t, id)

	body = rpcCall(t, app, sid, map[string]interface{}{
		"service": "object", "method": "execute_kw",
		"model": "note.note", "operation": "search_read",
		"args": map[string]interface{}{
			"domain": []interface{}{[]interface{}{"name", "=", "rpc note"}},
			"fields": []interface{}{"name", "word_count"},
		},
	})
	require.Nil(t, body["error"])
	rows, _ := body["result"].([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "rpc note", row["name"])
	assert.Equal(t, float64(3), row["word_count"])

	body = rpcCall(t, app, sid, map[string]interface{}{
		"service": "object", "method": "execute_kw",
		"model": "note.note", "operation": "search_count",
	})
	require.Nil(t, body["error"])
	assert.Equal(t, float64(1), body["result"])

	// Underscore-prefixed methods stay private.
	body = rpcCall(t, app, sid, map[string]interface{}{
		"service": "object", "method": "execute_kw",
		"model": "note.note", "operation": "_secret",
		"ids":   id,
	})
	require.NotNil(t, body["error"])
	rpcErr := body["error"].(map[string]interface{})
	assert.Equal(t, "access", rpcErr["data"])
}

func TestMenusAndActionsTranslatePerLanguage(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "PUT", fmt.Sprintf("/api/models/res.users/%d", uid),
		map[string]interface{}{"lang": "fr_FR"}, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The session captures the language at authentication time.
	frSid, _ := login(t, app)

	resp = doJSON(t, app, "GET", "/web/menus", nil, frSid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	menus, _ := decodeBody(t, resp)["menus"].([]interface{})
	var names []string
	for _, m := range menus {
		node := m.(map[string]interface{})
		names = append(names, node["name"].(string))
		children, _ := node["children"].([]interface{})
		for _, ch := range children {
			names = append(names, ch.(map[string]interface{})["name"].(string))
		}
	}
	assert.Contains(t, names, "Toutes les notes")
	assert.NotContains(t, names, "All Notes")

	resp = doJSON(t, app, "GET", "/web/action/notes.action_mark_done", nil, frSid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Marquer fait", decodeBody(t, resp)["name"])

	// The untranslated session still sees the source strings.
	resp = doJSON(t, app, "GET", "/web/action/notes.action_mark_done", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Mark done", decodeBody(t, resp)["name"])
}

func TestRecordRulesScopeNotesPerUser(t *testing.T) {
	app := bootApp(t)
	adminSid, adminUID := login(t, app)

	resp := doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "launch plan", "user_id": adminUID,
	}, adminSid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	adminNote := decodeBody(t, resp)["id"].(float64)
	adminNoteURL := fmt.Sprintf("/api/models/note.note/%d", uint64(adminNote))

	domain := url.QueryEscape(`[["name","=","Internal User"]]`)
	resp = doJSON(t, app, "GET", "/api/models/res.groups?domain="+domain, nil, adminSid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	groups, _ := decodeBody(t, resp)["records"].([]interface{})
	require.Len(t, groups, 1)
	groupID := groups[0].(map[string]interface{})["id"].(float64)

	resp = doJSON(t, app, "POST", "/api/models/res.users", map[string]interface{}{
		"login": "bob", "password": "builder", "name": "Bob",
		"group_ids": []interface{}{groupID},
	}, adminSid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, app, "POST", "/web/session/authenticate",
		map[string]string{"login": "bob", "password": "builder"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bob := decodeBody(t, resp)
	bobSid, _ := bob["session_id"].(string)
	require.NotEmpty(t, bobSid)
	bobUID, _ := bob["uid"].(float64)

	resp = doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "bob list", "user_id": bobUID,
	}, bobSid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Search only surfaces bob's own notes.
	resp = doJSON(t, app, "GET", "/api/models/note.note?fields=name", nil, bobSid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody(t, resp)
	assert.Equal(t, float64(1), listing["count"])
	records, _ := listing["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "bob list", records[0].(map[string]interface{})["name"])

	// Direct reads and writes of a foreign note surface as missing, never
	// as data or as an access hint.
	resp = doJSON(t, app, "GET", adminNoteURL, nil, bobSid)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "missing", decodeBody(t, resp)["type"])

	resp = doJSON(t, app, "PUT", adminNoteURL, map[string]interface{}{
		"name": "hijacked",
	}, bobSid)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "missing", decodeBody(t, resp)["type"])

	// The admin still sees the record untouched.
	resp = doJSON(t, app, "GET", adminNoteURL, nil, adminSid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "launch plan", decodeBody(t, resp)["name"])
}

func TestPrivateMethodsRefusedOverREST(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "hands off", "user_id": uid,
	}, sid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"].(float64)

	resp = doJSON(t, app, "POST",
		fmt.Sprintf("/api/models/note.note/%d/call/_secret", uint64(id)), nil, sid)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access", decodeBody(t, resp)["type"])
}

func TestEffectiveViewEndpoint(t *testing.T) {
	app := bootApp(t)
	sid, _ := login(t, app)

	resp := doJSON(t, app, "GET", "/web/view/notes.view_note_form", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "form", body["type"])
	assert.Equal(t, "note.note", body["model"])
	arch, _ := body["arch"].(string)
	assert.True(t, strings.HasPrefix(arch, "<form"), "arch: %s", arch)
	assert.Contains(t, arch, "deadline", "extension patch is folded in")

	resp = doJSON(t, app, "GET", "/web/view/notes.no_such_view", nil, sid)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportEndpoint(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "quarterly summary", "content": "all good", "user_id": uid,
	}, sid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"].(float64)

	resp = doJSON(t, app, "GET", fmt.Sprintf("/report/notes.note_report/%d", uint64(id)), nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "quarterly summary")

	resp = doJSON(t, app, "GET", "/report/notes.nope/1", nil, sid)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorEnvelopes(t *testing.T) {
	app := bootApp(t)
	sid, _ := login(t, app)

	resp := doJSON(t, app, "GET", "/api/models/note.note/424242", nil, sid)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "missing", body["type"])
	assert.NotEmpty(t, body["timestamp"])

	resp = doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"content": "missing the name",
	}, sid)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeBody(t, resp)["type"])

	resp = doJSON(t, app, "GET", "/no/such/route", nil, sid)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActionsAndMenus(t *testing.T) {
	app := bootApp(t)
	sid, uid := login(t, app)

	resp := doJSON(t, app, "GET", "/web/action/notes.action_notes", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action := decodeBody(t, resp)
	assert.Equal(t, "act_window", action["type"])
	assert.Equal(t, "note.note", action["model"])
	assert.NotZero(t, action["view_id"], "opens the list view")

	resp = doJSON(t, app, "GET", "/web/action/base.action_docs", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action = decodeBody(t, resp)
	assert.Equal(t, "url", action["type"])
	assert.Equal(t, "https://example.com/docs", action["url"])

	resp = doJSON(t, app, "GET", "/web/action/notes.no_such_action", nil, sid)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Server actions execute the named method on the posted ids.
	resp = doJSON(t, app, "POST", "/api/models/note.note", map[string]interface{}{
		"name": "to finish", "user_id": uid,
	}, sid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"].(float64)

	resp = doJSON(t, app, "POST", "/web/action/notes.action_mark_done/run",
		map[string]interface{}{"ids": id}, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["result"])

	resp = doJSON(t, app, "GET", fmt.Sprintf("/api/models/note.note/%d", uint64(id)), nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", decodeBody(t, resp)["state"])

	// Window actions cannot be run.
	resp = doJSON(t, app, "POST", "/web/action/notes.action_notes/run", nil, sid)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/web/menus", nil, sid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tree := decodeBody(t, resp)
	menus, _ := tree["menus"].([]interface{})
	require.NotEmpty(t, menus)
	var notesMenu map[string]interface{}
	for _, m := range menus {
		node := m.(map[string]interface{})
		if node["name"] == "Notes" {
			notesMenu = node
		}
	}
	require.NotNil(t, notesMenu, "notes root menu present")
	children, _ := notesMenu["children"].([]interface{})
	require.Len(t, children, 1)
	child := children[0].(map[string]interface{})
	assert.Equal(t, "All Notes", child["name"])
	assert.Equal(t, "notes.action_notes", child["action"])
}
