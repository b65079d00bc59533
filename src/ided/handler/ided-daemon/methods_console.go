package idedaemon

import (
	"context"

	"github.com/cortexdata/ide-daemon/src/ided/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

type runCodeParams struct {
	URI      string `json:"uri"`
	Version  int32  `json:"version"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

type runCodeResult struct {
	Cancelled bool     `json:"cancelled,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
}

// RunCode resolves a connection for the document and runs its code units in
// order. A cancelled server prompt is a quiet no-op, not an error.
func (r *jsonRPCRouter) RunCode(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params runCodeParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	doc := uri.URI(params.URI)

	conn, err := r.picker.GetOrCreateConnection(ctx, doc, protocol.LanguageIdentifier(params.Language))
	if err != nil {
		return r.replyError(ctx, reply, err)
	}
	if conn == nil {
		return reply(ctx, &runCodeResult{Cancelled: true}, nil)
	}

	units, err := r.picker.CodeUnits(ctx, doc, params.Version, params.Text)
	if err != nil {
		return r.replyError(ctx, reply, err)
	}

	outputs := make([]string, 0, len(units))
	for _, unit := range units {
		result, err := r.manager.RunCode(ctx, conn, unit)
		if err != nil {
			return r.replyError(ctx, reply, err)
		}
		outputs = append(outputs, result.Output)
	}
	return reply(ctx, &runCodeResult{Outputs: outputs}, nil)
}

type bindEditorParams struct {
	URI      string `json:"uri"`
	Language string `json:"language"`
}

// BindEditor associates a document with a connection using the selection
// policy, prompting only when the choice is ambiguous.
func (r *jsonRPCRouter) BindEditor(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params bindEditorParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	conn, err := r.picker.GetOrCreateConnection(ctx, uri.URI(params.URI), protocol.LanguageIdentifier(params.Language))
	if err != nil {
		return r.replyError(ctx, reply, err)
	}
	if conn == nil {
		return reply(ctx, &runCodeResult{Cancelled: true}, nil)
	}
	return reply(ctx, connectionToResult(conn), nil)
}

type didCloseParams struct {
	URI string `json:"uri"`
}

// EditorDidClose drops the closed document's binding.
func (r *jsonRPCRouter) EditorDidClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params didCloseParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	if err := r.manager.ClearEditorConnection(ctx, uri.URI(params.URI)); err != nil {
		return r.replyError(ctx, reply, err)
	}
	return reply(ctx, nil, nil)
}
