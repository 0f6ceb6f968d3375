// Package mcpserver provides an MCP (Model Context Protocol) server
// that drives a headless viewer session over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/session"
	"github.com/starford/arbor/internal/xref"
)

// Server wraps the MCP server with arbor tools.
type Server struct {
	mcp    *server.MCPServer
	sess   *session.Session
	bucket models.Bucket
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultBucket sets the bucket get_asset_info decodes when none is given.
func WithDefaultBucket(b string) Option {
	return func(s *Server) {
		if models.Bucket(b).Valid() {
			s.bucket = models.Bucket(b)
		}
	}
}

// New creates a new MCP server with all arbor tools registered.
func New(sess *session.Session, opts ...Option) *Server {
	s := &Server{sess: sess, bucket: models.BucketThumb}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer(
		"Arbor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("set_viewport",
		mcp.WithDescription("Move the viewer to a screen-space viewport and return what would be drawn: "+
			"visible ids, the overview (aggregated at extreme zoom-out) and each drawn node's tier. "+
			"Enrichment of newly visible nodes starts in the background."),
		mcp.WithNumber("width", mcp.Required(), mcp.Description("Screen width in pixels")),
		mcp.WithNumber("height", mcp.Required(), mcp.Description("Screen height in pixels")),
		mcp.WithNumber("pan_x", mcp.Description("Horizontal pan in pixels")),
		mcp.WithNumber("pan_y", mcp.Description("Vertical pan in pixels")),
		mcp.WithNumber("zoom", mcp.Description("Zoom factor (default 1)")),
	), s.setViewport)

	s.mcp.AddTool(mcp.NewTool("get_node",
		mcp.WithDescription("Return the best-known record, layout position and committed tier of a node."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	), s.getNode)

	s.mcp.AddTool(mcp.NewTool("ensure_enriched",
		mcp.WithDescription("Fetch full detail for the given nodes now, through the cross-reference path. "+
			"Fails without changing anything if any node was deleted."),
		mcp.WithString("ids", mcp.Required(), mcp.Description("Comma-separated node ids")),
	), s.ensureEnriched)

	s.mcp.AddTool(mcp.NewTool("session_stats",
		mcp.WithDescription("Return structure version, enrichment progress, pipeline status and asset cache usage."),
	), s.sessionStats)

	s.mcp.AddTool(mcp.NewTool("revalidate_structure",
		mcp.WithDescription("Ask the backend whether the structure changed since the session opened. "+
			"Layout stays frozen; a changed structure needs a new session."),
	), s.revalidateStructure)

	s.mcp.AddTool(mcp.NewTool("get_asset_info",
		mcp.WithDescription("Decode a node's photo at a resolution bucket and report its format and size."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("bucket", mcp.Description("thumb, medium or full; defaults to the configured bucket")),
	), s.getAssetInfo)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the person record format served by the backend."),
	), s.getRecordContract)

	s.mcp.AddResource(
		mcp.NewResource("arbor://record-format", "Person Record Format",
			mcp.WithResourceDescription("Markdown person record format imported by the backend."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

type frameSummary struct {
	Visible    int                    `json:"visible"`
	Aggregated bool                   `json:"aggregated"`
	Drawn      []string               `json:"drawn"`
	Edges      int                    `json:"edges"`
	Tiers      map[string]models.Tier `json:"tiers"`
	Padding    float64                `json:"padding"`
}

func (s *Server) setViewport(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	width, err := req.RequireFloat("width")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	height, err := req.RequireFloat("height")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v := models.Viewport{
		Width:  width,
		Height: height,
		PanX:   req.GetFloat("pan_x", 0),
		PanY:   req.GetFloat("pan_y", 0),
		Zoom:   req.GetFloat("zoom", 1),
	}
	if v.Width <= 0 || v.Height <= 0 || v.Zoom <= 0 {
		return mcp.NewToolResultError("width, height and zoom must be positive"), nil
	}
	f := s.sess.SetViewport(v)
	return jsonResult(frameSummary{
		Visible:    len(f.Visible),
		Aggregated: f.Overview.Aggregated,
		Drawn:      f.Overview.Nodes,
		Edges:      len(f.Overview.Edges),
		Tiers:      f.Tiers,
		Padding:    f.Padding,
	}), nil
}

func (s *Server) getNode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, ok := s.sess.Node(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	pos, _ := s.sess.Position(id)
	var tier *models.Tier
	if t, ok := s.sess.Tiers()[id]; ok {
		tier = &t
	}
	return jsonResult(struct {
		models.Node
		Position models.LayoutPosition `json:"position"`
		Tier     *models.Tier          `json:"tier,omitempty"`
	}{n, pos, tier}), nil
}

func (s *Server) ensureEnriched(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return mcp.NewToolResultError("no ids given"), nil
	}
	if err := s.sess.EnsureEnriched(ctx, ids); err != nil {
		var ue *xref.UnavailableError
		if errors.As(err, &ue) {
			return mcp.NewToolResultError(ue.Message()), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("enriched: %s", strings.Join(ids, ", "))), nil
}

func (s *Server) sessionStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sess.Stats()), nil
}

func (s *Server) revalidateStructure(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changed, err := s.sess.Revalidate(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(struct {
		Version int64 `json:"version"`
		Changed bool  `json:"changed"`
	}{s.sess.Stats().Version, changed}), nil
}

type assetInfo struct {
	ID     string `json:"id"`
	Ref    string `json:"ref"`
	Bucket string `json:"bucket"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"decoded_bytes"`
}

func (s *Server) getAssetInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bucket := models.Bucket(req.GetString("bucket", string(s.bucket)))
	if !bucket.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown bucket: %s", bucket)), nil
	}
	a, err := s.sess.Asset(ctx, id, bucket)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(assetInfo{
		ID:     id,
		Ref:    a.Ref,
		Bucket: string(a.Bucket),
		Format: a.Format,
		Width:  a.Width,
		Height: a.Height,
		Bytes:  a.Size,
	}), nil
}

func (s *Server) getRecordContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readRecordFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "arbor://record-format",
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}
