// conversation.go — Conversation API tool family: list, search,
// get_metadata, get_url, delete (single or bulk) (spec.md §4.7). Every
// handler first resolves the organization id via capability.Browser.OrgID;
// per spec.md §9's open question, extraction failure surfaces
// OrgIdUnavailable rather than falling back to a hardcoded value.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/relaybridge/chatbridge-relay/internal/capability"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/pagination"
)

func (d *Dispatcher) resolveOrgID(ctx context.Context) (string, *mcperr.StructuredError) {
	orgID, err := d.browser.OrgID(ctx)
	if err != nil || orgID == "" {
		msg := "could not extract organization id from browser cookies"
		if err != nil {
			msg = err.Error()
		}
		return "", mcperr.New(mcperr.ErrOrgIDUnavailable, msg, "ensure the browser tab is authenticated and retry")
	}
	return orgID, nil
}

func toConversationEntries(convs []capability.ConversationInfo) []pagination.ConversationEntry {
	out := make([]pagination.ConversationEntry, len(convs))
	for i, c := range convs {
		out[i] = pagination.ConversationEntry{
			ID:        c.ID,
			Title:     c.Title,
			Sequence:  int64(i + 1),
			Timestamp: c.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		}
	}
	return out
}

func (d *Dispatcher) registerConversation() {
	d.handlers["conversation.list"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			orgID, se := d.resolveOrgID(ctx)
			if se != nil {
				return fail(se)
			}
			var p struct {
				AfterCursor  string `json:"afterCursor"`
				BeforeCursor string `json:"beforeCursor"`
				SinceCursor  string `json:"sinceCursor"`
				Limit        int    `json:"limit"`
			}
			_ = json.Unmarshal(req.Params, &p)
			limit := p.Limit
			if limit <= 0 || limit > 200 {
				limit = 50
			}

			convs, err := d.browser.ListConversations(ctx, orgID)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "retry once the browser is responsive"))
			}
			page, meta, perr := pagination.ApplyConversationCursorPagination(toConversationEntries(convs), p.AfterCursor, p.BeforeCursor, p.SinceCursor, limit)
			if perr != nil {
				return fail(mcperr.New(mcperr.ErrInvalidParam, perr.Error(), "use a cursor returned by a previous conversation.list call"))
			}
			return ok(map[string]any{"conversations": page, "metadata": meta})
		},
	}

	d.handlers["conversation.search"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Query == "" {
				return missingParam("query")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			orgID, se := d.resolveOrgID(ctx)
			if se != nil {
				return fail(se)
			}
			var p struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(req.Params, &p)
			convs, err := d.browser.SearchConversations(ctx, orgID, p.Query)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "retry once the browser is responsive"))
			}
			return ok(map[string]any{"conversations": convs})
		},
	}

	d.handlers["conversation.get_metadata"] = Handler{
		Validate: requireConversationID,
		Execute: func(ctx context.Context, req Request) Result {
			orgID, se := d.resolveOrgID(ctx)
			if se != nil {
				return fail(se)
			}
			id := conversationID(req.Params)
			info, err := d.browser.ConversationMetadata(ctx, orgID, id)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check the conversation id"))
			}
			return ok(info)
		},
	}

	d.handlers["conversation.get_url"] = Handler{
		Validate: requireConversationID,
		Execute: func(ctx context.Context, req Request) Result {
			orgID, se := d.resolveOrgID(ctx)
			if se != nil {
				return fail(se)
			}
			id := conversationID(req.Params)
			url, err := d.browser.ConversationURL(ctx, orgID, id)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check the conversation id"))
			}
			return ok(map[string]any{"url": url})
		},
	}

	d.handlers["conversation.delete"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				ConversationID  string   `json:"conversationId"`
				ConversationIDs []string `json:"conversationIds"`
			}
			_ = json.Unmarshal(params, &p)
			if p.ConversationID == "" && len(p.ConversationIDs) == 0 {
				return missingParam("conversationId")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			orgID, se := d.resolveOrgID(ctx)
			if se != nil {
				return fail(se)
			}
			var p struct {
				ConversationID  string   `json:"conversationId"`
				ConversationIDs []string `json:"conversationIds"`
			}
			_ = json.Unmarshal(req.Params, &p)
			ids := p.ConversationIDs
			if p.ConversationID != "" {
				ids = append(ids, p.ConversationID)
			}

			deleted := make([]string, 0, len(ids))
			failed := make(map[string]string)
			for _, id := range ids {
				if err := d.browser.DeleteConversation(ctx, orgID, id); err != nil {
					failed[id] = err.Error()
					continue
				}
				deleted = append(deleted, id)
			}
			return ok(map[string]any{"deleted": deleted, "failed": failed})
		},
	}
}

func requireConversationID(params json.RawMessage) error {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	_ = json.Unmarshal(params, &p)
	if p.ConversationID == "" {
		return missingParam("conversationId")
	}
	return nil
}

func conversationID(params json.RawMessage) string {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	_ = json.Unmarshal(params, &p)
	return p.ConversationID
}
