package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/models"
	"github.com/fruitsalade/flowshelf/internal/prefs"
	"github.com/fruitsalade/flowshelf/internal/protocol"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
	"github.com/fruitsalade/flowshelf/internal/tree"
)

type testEnv struct {
	root string
	srv  *Server
	ts   *httptest.Server
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	logging.Replace(zap.NewNop())

	res, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	b := events.NewBroadcaster()
	srv := NewServer(tree.New(res, tree.WithPublisher(b)), tree.NewLister(res), prefs.New(), b, maxUpload)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{root: res.Root(), srv: srv, ts: ts}
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) exists(rel string) bool {
	_, err := os.Lstat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	er := decode[protocol.ErrorResponse](t, resp)
	if er.Success || er.Code != code {
		t.Errorf("error response = %+v, want code %s", er, code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	resp := e.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h := decode[protocol.HealthResponse](t, resp); h.Status != "ok" {
		t.Errorf("status = %q", h.Status)
	}
}

func TestBrowse(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")
	e.write(t, "a.png", "png")
	e.write(t, "notes.txt", "x")
	e.write(t, "sub/b.json", "{}")

	resp := e.get(t, "/workflow-manager/browse")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	br := decode[protocol.BrowseResponse](t, resp)
	if !br.Success || br.CurrentPath != "" {
		t.Errorf("response = %+v", br)
	}
	if len(br.Items) != 2 {
		t.Fatalf("items = %+v, want a.json and sub", br.Items)
	}
	if br.Items[0].Name != "a.json" || br.Items[0].Preview != "a.png" {
		t.Errorf("items[0] = %+v", br.Items[0])
	}
	if br.Items[1].WorkflowCount == nil || *br.Items[1].WorkflowCount != 1 {
		t.Errorf("items[1] = %+v", br.Items[1])
	}
	if br.Config.ViewMode != prefs.ViewList {
		t.Errorf("config = %+v", br.Config)
	}

	expectError(t, e.get(t, "/workflow-manager/browse?path=../etc"), http.StatusBadRequest, tree.KindInvalidPath)
	expectError(t, e.get(t, "/workflow-manager/browse?path=missing"), http.StatusNotFound, tree.KindNotFound)
}

func TestCreateFolder(t *testing.T) {
	e := newTestEnv(t, 1<<20)

	resp := e.post(t, "/workflow-manager/create-folder", protocol.CreateFolderRequest{Name: " new ", ParentPath: ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if pr := decode[protocol.PathResponse](t, resp); pr.Path != "new" {
		t.Errorf("path = %q", pr.Path)
	}
	if !e.exists("new") {
		t.Error("directory not created")
	}

	expectError(t, e.post(t, "/workflow-manager/create-folder", protocol.CreateFolderRequest{Name: "new"}),
		http.StatusConflict, tree.KindAlreadyExists)
	expectError(t, e.post(t, "/workflow-manager/create-folder", protocol.CreateFolderRequest{Name: "a:b"}),
		http.StatusBadRequest, tree.KindIllegalName)

	resp = e.post(t, "/workflow-manager/create-folder", protocol.CreateFolderRequest{Name: "x", ParentPath: "nope/deeper"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missing parent: status = %d", resp.StatusCode)
	}
	if pr := decode[protocol.PathResponse](t, resp); pr.Path != "nope/deeper/x" {
		t.Errorf("path = %q", pr.Path)
	}
	if !e.exists("nope/deeper/x") {
		t.Error("intermediate directories not created")
	}
}

func TestMalformedJSON(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	resp, err := http.Post(e.ts.URL+"/workflow-manager/rename", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectError(t, resp, http.StatusBadRequest, codeBadRequest)
}

func TestRenameSyncsPreviewByDefault(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")
	e.write(t, "a.png", "png")

	resp := e.post(t, "/workflow-manager/rename", protocol.RenameRequest{OldPath: "a.json", NewName: "b"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	mr := decode[protocol.MutationResponse](t, resp)
	if mr.NewPath != "b.json" {
		t.Errorf("new_path = %q", mr.NewPath)
	}
	if mr.Companion == nil || mr.Companion.Target != "b.png" {
		t.Errorf("preview = %+v", mr.Companion)
	}
	if !e.exists("b.png") || e.exists("a.png") {
		t.Error("companion did not follow rename")
	}
}

func TestRenameWithoutSync(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")
	e.write(t, "a.png", "png")

	off := false
	resp := e.post(t, "/workflow-manager/rename", protocol.RenameRequest{OldPath: "a.json", NewName: "b", SyncPreview: &off})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !e.exists("a.png") || e.exists("b.png") {
		t.Error("companion moved with sync_preview=false")
	}
}

func TestMoveCopyDelete(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")
	e.write(t, "a.webp", "img")
	e.write(t, "dst/.keep", "")

	resp := e.post(t, "/workflow-manager/copy", protocol.TransferRequest{SourcePath: "a.json", TargetDir: ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("copy status = %d", resp.StatusCode)
	}
	if mr := decode[protocol.MutationResponse](t, resp); mr.NewPath != "a_copy1.json" {
		t.Errorf("copy new_path = %q", mr.NewPath)
	}
	if !e.exists("a_copy1.webp") {
		t.Error("companion not copied")
	}

	resp = e.post(t, "/workflow-manager/move", protocol.TransferRequest{SourcePath: "a.json", TargetDir: "dst"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move status = %d", resp.StatusCode)
	}
	if mr := decode[protocol.MutationResponse](t, resp); mr.NewPath != "dst/a.json" {
		t.Errorf("move new_path = %q", mr.NewPath)
	}
	if !e.exists("dst/a.webp") {
		t.Error("companion not moved")
	}

	expectError(t, e.post(t, "/workflow-manager/move", protocol.TransferRequest{SourcePath: "gone.json", TargetDir: "dst"}),
		http.StatusNotFound, tree.KindNotFound)
	expectError(t, e.post(t, "/workflow-manager/move", protocol.TransferRequest{SourcePath: "dst", TargetDir: "dst"}),
		http.StatusBadRequest, tree.KindInvalidPath)

	resp = e.post(t, "/workflow-manager/delete", protocol.DeleteRequest{Path: "dst/a.json"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if e.exists("dst/a.json") || e.exists("dst/a.webp") {
		t.Error("delete left files behind")
	}

	expectError(t, e.post(t, "/workflow-manager/delete", protocol.DeleteRequest{Path: ""}),
		http.StatusBadRequest, tree.KindInvalidPath)
}

func TestReadWorkflow(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", `{"nodes":[1,2]}`)
	e.write(t, "bad.json", "{")

	resp := e.get(t, "/workflow-manager/read-workflow?path=a.json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rw := decode[protocol.ReadWorkflowResponse](t, resp)
	if string(rw.Workflow) != `{"nodes":[1,2]}` {
		t.Errorf("workflow = %s", rw.Workflow)
	}

	expectError(t, e.get(t, "/workflow-manager/read-workflow"), http.StatusBadRequest, tree.KindInvalidPath)
	expectError(t, e.get(t, "/workflow-manager/read-workflow?path=bad.json"), http.StatusBadRequest, tree.KindInvalidDocument)
	expectError(t, e.get(t, "/workflow-manager/read-workflow?path=none.json"), http.StatusNotFound, tree.KindNotFound)
}

func TestPreview(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")
	e.write(t, "a.png", "PNGDATA")

	resp := e.get(t, "/workflow-manager/preview?path=a.json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "PNGDATA" {
		t.Errorf("body = %q", body)
	}

	expectError(t, e.get(t, "/workflow-manager/preview?path=other.json"), http.StatusNotFound, tree.KindNotFound)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]struct{ name, content string }) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for field, list := range files {
		for _, f := range list {
			fw, err := mw.CreateFormFile(field, f.name)
			if err != nil {
				t.Fatal(err)
			}
			fw.Write([]byte(f.content))
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) postForm(t *testing.T, path string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, contentType, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadWorkflow(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "in/a.json", "{}")

	body, ct := multipartBody(t,
		map[string]string{"target_dir": "in", "create_dirs": "false"},
		map[string][]struct{ name, content string }{
			"workflow_files": {
				{"a.json", `{"v":1}`},
				{"broken.json", "{"},
			},
		})
	resp := e.postForm(t, "/workflow-manager/upload-workflow", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ur := decode[protocol.UploadResponse](t, resp)
	if ur.Uploaded != 1 || len(ur.UploadedFiles) != 1 || ur.UploadedFiles[0].Path != "in/a_1.json" {
		t.Errorf("uploaded = %+v", ur)
	}
	if len(ur.Errors) != 1 || !strings.HasPrefix(ur.Errors[0], "broken.json: ") {
		t.Errorf("errors = %v", ur.Errors)
	}
	if ur.Failed != 1 || len(ur.FailedFiles) != 1 {
		t.Fatalf("failed = %d, %+v", ur.Failed, ur.FailedFiles)
	}
	if ff := ur.FailedFiles[0]; ff.Filename != "broken.json" || ff.Code != tree.KindInvalidDocument {
		t.Errorf("failed_files[0] = %+v", ff)
	}
}

func TestUploadWorkflowCreateDirs(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	files := map[string][]struct{ name, content string }{"workflow_files": {{"w.json", "{}"}}}

	body, ct := multipartBody(t, map[string]string{"target_dir": "new/dir"}, files)
	expectError(t, e.postForm(t, "/workflow-manager/upload-workflow", body, ct), http.StatusNotFound, tree.KindNotFound)

	body, ct = multipartBody(t, map[string]string{"target_dir": "new/dir", "create_dirs": "TRUE"}, files)
	resp := e.postForm(t, "/workflow-manager/upload-workflow", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !e.exists("new/dir/w.json") {
		t.Error("file not uploaded into created directory")
	}
}

func TestUploadWorkflowRejectsAll(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	body, ct := multipartBody(t, nil, map[string][]struct{ name, content string }{
		"workflow_files": {{"notes.txt", "hello"}},
	})
	expectError(t, e.postForm(t, "/workflow-manager/upload-workflow", body, ct), http.StatusBadRequest, tree.KindUnsupportedType)

	body, ct = multipartBody(t, map[string]string{"target_dir": ""}, nil)
	expectError(t, e.postForm(t, "/workflow-manager/upload-workflow", body, ct), http.StatusBadRequest, codeBadRequest)
}

func TestUploadTooLarge(t *testing.T) {
	e := newTestEnv(t, 64)
	body, ct := multipartBody(t, nil, map[string][]struct{ name, content string }{
		"workflow_files": {{"big.json", `{"data":"` + strings.Repeat("x", 256) + `"}`}},
	})
	expectError(t, e.postForm(t, "/workflow-manager/upload-workflow", body, ct), http.StatusRequestEntityTooLarge, codeTooLarge)
}

func TestUploadPreview(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	e.write(t, "a.json", "{}")

	body, ct := multipartBody(t, map[string]string{"workflow_path": "a.json"},
		map[string][]struct{ name, content string }{"preview_file": {{"shot.webp", "WEBP"}}})
	resp := e.postForm(t, "/workflow-manager/upload-preview", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if pr := decode[protocol.UploadPreviewResponse](t, resp); pr.Path != "a.webp" {
		t.Errorf("path = %q", pr.Path)
	}
	data, err := os.ReadFile(filepath.Join(e.root, "a.webp"))
	if err != nil || string(data) != "WEBP" {
		t.Errorf("a.webp = %q, %v", data, err)
	}

	body, ct = multipartBody(t, map[string]string{"workflow_path": "missing.json"},
		map[string][]struct{ name, content string }{"preview_file": {{"shot.webp", "WEBP"}}})
	expectError(t, e.postForm(t, "/workflow-manager/upload-preview", body, ct), http.StatusNotFound, tree.KindNotFound)

	body, ct = multipartBody(t, map[string]string{"workflow_path": "a.json"}, nil)
	expectError(t, e.postForm(t, "/workflow-manager/upload-preview", body, ct), http.StatusBadRequest, codeBadRequest)
}

func TestSaveViewMode(t *testing.T) {
	e := newTestEnv(t, 1<<20)

	resp := e.post(t, "/workflow-manager/save-view-mode", protocol.ViewModeRequest{ViewMode: "grid"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	br := decode[protocol.BrowseResponse](t, e.get(t, "/workflow-manager/browse"))
	if br.Config.ViewMode != prefs.ViewGrid {
		t.Errorf("viewMode = %q", br.Config.ViewMode)
	}

	expectError(t, e.post(t, "/workflow-manager/save-view-mode", protocol.ViewModeRequest{ViewMode: "tiles"}),
		http.StatusBadRequest, codeBadRequest)
}

type fakeActivity struct {
	limit int
}

func (f *fakeActivity) Recent(_ context.Context, limit int) ([]models.Activity, error) {
	f.limit = limit
	return []models.Activity{{ID: 1, Op: "rename", Path: "a.json", Result: "ok"}}, nil
}

func TestActivity(t *testing.T) {
	e := newTestEnv(t, 1<<20)
	expectError(t, e.get(t, "/workflow-manager/activity"), http.StatusNotFound, tree.KindNotFound)

	fa := &fakeActivity{}
	e.srv.SetActivityLog(fa)

	resp := e.get(t, "/workflow-manager/activity?limit=10000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ar := decode[protocol.ActivityResponse](t, resp)
	if len(ar.Entries) != 1 || ar.Entries[0].Op != "rename" {
		t.Errorf("entries = %+v", ar.Entries)
	}
	if fa.limit != maxActivity {
		t.Errorf("limit = %d, want %d", fa.limit, maxActivity)
	}

	expectError(t, e.get(t, "/workflow-manager/activity?limit=abc"), http.StatusBadRequest, codeBadRequest)
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/workflow-manager/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The handler subscribes after flushing headers; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for e.srv.broadcaster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cr := e.post(t, "/workflow-manager/create-folder", protocol.CreateFolderRequest{Name: "live"})
	if cr.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", cr.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != events.EventCreate {
		t.Errorf("event = %q", eventLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("data %q: %v", dataLine, err)
	}
	if ev.Path != "live" || !ev.IsDir {
		t.Errorf("event = %+v", ev)
	}
}
