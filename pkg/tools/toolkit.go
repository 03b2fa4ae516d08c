// Package tools provides the MCP tools and resources of the step tracker.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/steps"
)

// Tool and resource names.
const (
	ToolStepsToday      = "steps_today"
	ToolStepsHistory    = "steps_history"
	HistoryTemplateURI  = "steps://history/{date}"
	historyResourceName = "Archived Day"
)

// StatusReader reports the live tracker state.
type StatusReader interface {
	Status() steps.Status
}

// Toolkit serves step data to MCP clients. Every server it builds is bound
// to one user and only ever returns that user's data.
type Toolkit struct {
	tracker StatusReader
	store   docstore.Store
	impl    *mcp.Implementation
}

// NewToolkit creates a Toolkit.
func NewToolkit(tracker StatusReader, store docstore.Store, impl *mcp.Implementation) *Toolkit {
	if impl == nil {
		impl = &mcp.Implementation{Name: "steptracker"}
	}
	return &Toolkit{tracker: tracker, store: store, impl: impl}
}

// NewServer builds an MCP server scoped to userID.
func (t *Toolkit) NewServer(userID string) *mcp.Server {
	s := mcp.NewServer(t.impl, nil)
	t.RegisterTools(s, userID)
	return s
}

// Handler serves streamable MCP over HTTP. Requests must carry an
// auth.Principal in their context; the handler is stateless so that every
// request is served for the principal that made it.
func (t *Toolkit) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		p := auth.GetPrincipal(r.Context())
		if p == nil || p.UserID == "" {
			return nil
		}
		return t.NewServer(p.UserID)
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

type stepsTodayInput struct{}

type stepsHistoryInput struct {
	From string `json:"from,omitempty" jsonschema:"first day to include, YYYY-MM-DD"`
	To   string `json:"to,omitempty" jsonschema:"last day to include, YYYY-MM-DD"`
}

type todayResult struct {
	Steps        int       `json:"steps"`
	SessionStart time.Time `json:"session_start"`
	Running      bool      `json:"running"`
	Shaking      bool      `json:"shaking"`
	Degraded     bool      `json:"degraded"`
}

type historyResult struct {
	Days  []steps.DayTotal `json:"days"`
	Total int              `json:"total"`
}

// RegisterTools adds the step tools and the history resource template to s.
func (t *Toolkit) RegisterTools(s *mcp.Server, userID string) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolStepsToday,
		Description: "Get today's step count for the signed-in user, with whether tracking is running.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ stepsTodayInput) (*mcp.CallToolResult, any, error) {
		return t.handleToday(userID)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolStepsHistory,
		Description: "List archived daily step totals for the signed-in user, oldest first. Both bounds are optional and inclusive.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in stepsHistoryInput) (*mcp.CallToolResult, any, error) {
		return t.handleHistory(ctx, userID, in)
	})

	s.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: HistoryTemplateURI,
		Name:        historyResourceName,
		Description: "Archived step total for one day (YYYY-MM-DD)",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return t.handleHistoryResource(ctx, userID, req)
	})
}

func (t *Toolkit) handleToday(userID string) (*mcp.CallToolResult, any, error) {
	st := t.tracker.Status()
	if st.UserID != userID {
		return errorResult("no active step session for this user"), nil, nil
	}
	return jsonResult(todayResult{
		Steps:        st.Steps,
		SessionStart: st.SessionStart,
		Running:      st.Running,
		Shaking:      st.Shaking,
		Degraded:     st.Degraded,
	})
}

func (t *Toolkit) handleHistory(ctx context.Context, userID string, in stepsHistoryInput) (*mcp.CallToolResult, any, error) {
	for _, d := range []string{in.From, in.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(steps.DateLayout, d); err != nil {
			return errorResult(fmt.Sprintf("invalid date %q: use YYYY-MM-DD", d)), nil, nil
		}
	}

	days, err := steps.History(ctx, t.store, userID, in.From, in.To)
	if err != nil {
		return errorResult("reading history: " + err.Error()), nil, nil
	}
	res := historyResult{Days: days}
	for _, d := range days {
		res.Total += d.Steps
	}
	return jsonResult(res)
}

func (t *Toolkit) handleHistoryResource(ctx context.Context, userID string, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	date, err := matchDate(uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	doc, err := t.store.Get(ctx, steps.HistoryDocPath(userID, date))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}

	n, _ := docstore.Int(doc.Data, "steps")
	data, err := json.MarshalIndent(steps.DayTotal{Date: date, Steps: n}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "application/json", Text: string(data)},
		},
	}, nil
}

// matchDate extracts and validates the date variable of a history URI.
func matchDate(uri string) (string, error) {
	tmpl, err := uritemplate.New(HistoryTemplateURI)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}
	match := tmpl.Match(uri)
	if match == nil {
		return "", fmt.Errorf("uri %q does not match %s", uri, HistoryTemplateURI)
	}
	date := match.Get("date").String()
	if _, err := time.Parse(steps.DateLayout, date); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	return date, nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("Error: " + err.Error()), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
