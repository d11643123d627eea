package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/store"
)

// Gate decides whether a sensitive tool call may proceed. Order of
// checks: standing rules first (no handle churn for pre-approved
// patterns), then a presented approval token, then a fresh pending
// handle. Implements mcp.Gate.
type Gate struct {
	approvals *store.ApprovalStore
	logger    *log.Logger
}

func NewGate(approvals *store.ApprovalStore) *Gate {
	return &Gate{
		approvals: approvals,
		logger:    log.New(log.Writer(), "[APPROVALS] ", log.LstdFlags),
	}
}

// Check gates one tools/call. Only calls that actually carry a declared
// sensitive argument are gated; a sensitive tool invoked without any of
// its sensitive keys runs freely.
func (g *Gate) Check(ctx context.Context, butler, tool string, args map[string]interface{}, sensitivities []string) error {
	present := sensitiveKeysPresent(args, sensitivities)
	if len(present) == 0 {
		return nil
	}

	serialized := serializeArgs(args)

	rules, err := g.approvals.Rules(ctx, tool)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.ArgPattern == "" || strings.Contains(serialized, rule.ArgPattern) {
			g.logger.Printf("✅ standing rule %d auto-approved %s.%s", rule.ID, butler, tool)
			return nil
		}
	}

	if token, ok := args["_approval"].(string); ok && token != "" {
		consumed, err := g.approvals.Consume(ctx, token, butler, tool)
		if err != nil {
			return err
		}
		if consumed {
			g.logger.Printf("✅ approval %s consumed for %s.%s", token, butler, tool)
			return nil
		}
		// Stale or mismatched token falls through to a fresh handle
		g.logger.Printf("⚠️ stale approval token for %s.%s", butler, tool)
	}

	handle, err := g.approvals.CreatePending(ctx, butler, tool, serialized, present)
	if err != nil {
		return err
	}
	g.logger.Printf("⏳ approval %s pending for %s.%s (args: %s)", handle, butler, tool, strings.Join(present, ","))
	return fault.ApprovalRequired(handle,
		fmt.Sprintf("tool %s requires approval for arguments %s", tool, strings.Join(present, ", ")))
}

func sensitiveKeysPresent(args map[string]interface{}, sensitivities []string) []string {
	var present []string
	for _, key := range sensitivities {
		if _, ok := args[key]; ok {
			present = append(present, key)
		}
	}
	sort.Strings(present)
	return present
}

// serializeArgs renders the call deterministically for pattern matching
// and operator display. Control keys are stripped first.
func serializeArgs(args map[string]interface{}) string {
	cleaned := make(map[string]interface{}, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "_") {
			continue
		}
		cleaned[k] = v
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return ""
	}
	return string(out)
}
