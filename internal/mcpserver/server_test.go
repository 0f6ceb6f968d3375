package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/arbor/internal/clock"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/session"
	"github.com/starford/arbor/internal/testutil"
	"github.com/starford/arbor/internal/visibility"
)

func str(s string) *string { return &s }

func testServer(t *testing.T) (*Server, *testutil.FakeBackend) {
	t.Helper()
	fb := testutil.NewFakeBackend()
	fb.Add(models.EnrichedNode{
		StructureRecord: models.StructureRecord{ID: "r", DisplayKey: "Root"},
		Email:           str("r@example.com"),
		PhotoRef:        str("r.png"),
	})
	fb.Add(models.EnrichedNode{
		StructureRecord: models.StructureRecord{ID: "a", ParentID: "r", DisplayKey: "A"},
		Biography:       str("child"),
	})
	fb.SetAsset("r.png", models.BucketThumb, testutil.PNG(t, 3, 2))

	cfg := session.DefaultConfig()
	cfg.Padding = visibility.FixedPadding(0)
	sess, err := session.Open(context.Background(), session.Deps{
		Backend: fb,
		Clock:   clock.NewFake(time.Unix(0, 0)),
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return New(sess), fb
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so handlers are called directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "set_viewport":
		result, err = srv.setViewport(ctx, req)
	case "get_node":
		result, err = srv.getNode(ctx, req)
	case "ensure_enriched":
		result, err = srv.ensureEnriched(ctx, req)
	case "session_stats":
		result, err = srv.sessionStats(ctx, req)
	case "revalidate_structure":
		result, err = srv.revalidateStructure(ctx, req)
	case "get_asset_info":
		result, err = srv.getAssetInfo(ctx, req)
	case "get_record_contract":
		result, err = srv.getRecordContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestSetViewport(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "set_viewport", map[string]interface{}{
		"width": 400.0, "height": 400.0, "pan_x": 100.0, "pan_y": 50.0,
	})
	if r.IsError {
		t.Fatalf("error: %s", resultText(r))
	}
	var fs frameSummary
	if err := json.Unmarshal([]byte(resultText(r)), &fs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fs.Visible != 2 || fs.Aggregated || len(fs.Drawn) != 2 {
		t.Errorf("frame = %+v", fs)
	}
	if !strings.Contains(resultText(r), `"r": "medium"`) {
		t.Errorf("tiers not named: %s", resultText(r))
	}

	r = callTool(t, srv, "get_node", map[string]interface{}{"id": "r"})
	if !strings.Contains(resultText(r), `"tier": "medium"`) {
		t.Errorf("drawn node without tier: %s", resultText(r))
	}
}

func TestSetViewport_RejectsBadInput(t *testing.T) {
	srv, _ := testServer(t)
	if r := callTool(t, srv, "set_viewport", map[string]interface{}{"width": 100.0}); !r.IsError {
		t.Error("missing height accepted")
	}
	r := callTool(t, srv, "set_viewport", map[string]interface{}{"width": 100.0, "height": 100.0, "zoom": -1.0})
	if !r.IsError {
		t.Error("negative zoom accepted")
	}
}

func TestEnsureEnrichedThenGetNode(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "get_node", map[string]interface{}{"id": "r"})
	if strings.Contains(resultText(r), "r@example.com") {
		t.Fatal("node enriched before request")
	}

	r = callTool(t, srv, "ensure_enriched", map[string]interface{}{"ids": "r, a"})
	if r.IsError {
		t.Fatalf("ensure_enriched: %s", resultText(r))
	}
	r = callTool(t, srv, "get_node", map[string]interface{}{"id": "r"})
	text := resultText(r)
	if !strings.Contains(text, "r@example.com") || !strings.Contains(text, `"position"`) {
		t.Errorf("node = %s", text)
	}
}

func TestEnsureEnriched_Tombstoned(t *testing.T) {
	srv, fb := testServer(t)
	fb.Tombstone("a")

	r := callTool(t, srv, "ensure_enriched", map[string]interface{}{"ids": "a"})
	if !r.IsError {
		t.Fatal("expected error for tombstoned node")
	}
}

func TestGetNodeMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_node", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing node")
	}
}

func TestGetAssetInfo(t *testing.T) {
	srv, _ := testServer(t)
	_ = callTool(t, srv, "ensure_enriched", map[string]interface{}{"ids": "r"})

	r := callTool(t, srv, "get_asset_info", map[string]interface{}{"id": "r"})
	if r.IsError {
		t.Fatalf("get_asset_info: %s", resultText(r))
	}
	var info assetInfo
	_ = json.Unmarshal([]byte(resultText(r)), &info)
	if info.Format != "png" || info.Width != 3 || info.Height != 2 || info.Bytes != 24 {
		t.Errorf("info = %+v", info)
	}

	r = callTool(t, srv, "get_asset_info", map[string]interface{}{"id": "r", "bucket": "poster"})
	if !r.IsError {
		t.Error("unknown bucket accepted")
	}
}

func TestSessionStats(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "session_stats", map[string]interface{}{})
	var st session.Stats
	if err := json.Unmarshal([]byte(resultText(r)), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Nodes != 2 || st.Version != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRevalidateStructure(t *testing.T) {
	srv, fb := testServer(t)

	r := callTool(t, srv, "revalidate_structure", nil)
	if r.IsError || !strings.Contains(resultText(r), `"changed": false`) {
		t.Fatalf("unchanged = %s", resultText(r))
	}

	fb.SetVersion(2)
	r = callTool(t, srv, "revalidate_structure", nil)
	if r.IsError || !strings.Contains(resultText(r), `"changed": true`) {
		t.Errorf("after bump = %s", resultText(r))
	}

	fb.FailStructure(errors.New("offline"))
	if r = callTool(t, srv, "revalidate_structure", nil); !r.IsError {
		t.Error("backend failure not reported")
	}
}

func TestRecordContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_record_contract", nil)
	if !strings.Contains(resultText(r), "id: p-0042") {
		t.Error("contract missing example")
	}
}
