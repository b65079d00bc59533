package mapper

import (
	"encoding/json"
	"fmt"

	"go.lsp.dev/jsonrpc2"
)

// RequestToParams unmarshals a request's params into out. Requests without
// params leave out untouched.
func RequestToParams(req jsonrpc2.Request, out interface{}) error {
	raw := req.Params()
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s", jsonrpc2.ErrParse, err)
	}
	return nil
}
