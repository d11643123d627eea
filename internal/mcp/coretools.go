package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/notify"
	"github.com/manorhq/manor/internal/scheduler"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/store"
)

// CoreDeps is what the standard tool surface needs from the hosting
// daemon.
type CoreDeps struct {
	Butler    string
	State     *store.StateStore
	Scheduler *scheduler.Scheduler
	Tasks     *store.ScheduleStore
	Spawner   *session.Spawner
	Notify    *notify.Service
}

// RegisterCoreTools installs the tool surface every butler carries:
// state.*, schedule.*, trigger, tick, notify, and a denied route stub.
// The switchboard re-registers route with the real dispatcher.
func RegisterCoreTools(srv *Server, d CoreDeps) {
	srv.Register(ToolDefinition{
		Name:        "state.get",
		Description: "Read one key from this butler's durable state.",
		InputSchema: objectSchema(map[string]interface{}{"key": stringProp()}, "key"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			value, err := d.State.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"key": key, "value": json.RawMessage(value)}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "state.set",
		Description: "Write one key in this butler's durable state (upsert).",
		InputSchema: objectSchema(map[string]interface{}{"key": stringProp(), "value": anyProp()}, "key", "value"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(args["value"])
			if err != nil {
				return nil, fault.Wrap(fault.CodeToolError, "encode state value", err)
			}
			if err := d.State.Set(ctx, key, raw); err != nil {
				return nil, err
			}
			return map[string]interface{}{"key": key, "ok": true}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "state.delete",
		Description: "Delete one key; deleting a missing key succeeds.",
		InputSchema: objectSchema(map[string]interface{}{"key": stringProp()}, "key"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			if err := d.State.Delete(ctx, key); err != nil {
				return nil, err
			}
			return map[string]interface{}{"key": key, "ok": true}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "state.list",
		Description: "List state entries under a key prefix.",
		InputSchema: objectSchema(map[string]interface{}{"prefix": stringProp()}),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			prefix, _ := args["prefix"].(string)
			entries, err := d.State.List(ctx, prefix)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"entries": entries}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name: "schedule.create",
		Description: "Create a scheduled task. spec is 5-field cron or an RFC3339 instant; " +
			"exactly one of prompt/job_name must be set.",
		InputSchema: objectSchema(map[string]interface{}{
			"name": stringProp(), "spec": stringProp(), "dispatch_mode": stringProp(),
			"prompt": stringProp(), "job_name": stringProp(), "job_args": anyProp(),
			"until_at": stringProp(),
		}, "name", "spec", "dispatch_mode"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			task, err := taskFromArgs(args)
			if err != nil {
				return nil, err
			}
			created, err := d.Scheduler.CreateTask(ctx, task)
			if err != nil {
				return nil, err
			}
			return created, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "schedule.delete",
		Description: "Delete a scheduled task by name.",
		InputSchema: objectSchema(map[string]interface{}{"name": stringProp()}, "name"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return nil, err
			}
			if err := d.Tasks.Delete(ctx, name); err != nil {
				return nil, err
			}
			return map[string]interface{}{"name": name, "ok": true}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "schedule.list",
		Description: "List every scheduled task, enabled or not.",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			tasks, err := d.Tasks.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"tasks": tasks}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "trigger",
		Description: "Enqueue an ephemeral session on this butler.",
		InputSchema: objectSchema(map[string]interface{}{
			"prompt": stringProp(), "trigger_source": stringProp(), "request_context": anyProp(),
		}, "prompt"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			prompt, err := stringArg(args, "prompt")
			if err != nil {
				return nil, err
			}
			source, _ := args["trigger_source"].(string)
			if source == "" {
				source = envelope.ChannelMCP
			}
			reqCtx := parseRequestContext(args["request_context"])
			req := session.Request{TriggerSource: source, Prompt: prompt, RequestContext: reqCtx}
			if reqCtx != nil {
				req.RequestID = reqCtx.RequestID
			}
			if err := d.Spawner.TryEnqueue(req); err != nil {
				return nil, err
			}
			return map[string]interface{}{"queued": true, "depth": d.Spawner.Depth()}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "tick",
		Description: "Run one scheduler pass immediately.",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			d.Scheduler.Tick(ctx)
			return map[string]interface{}{"ok": true}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name: "notify",
		Description: "Send a message to a person. intent=reply or react answers the originating " +
			"request (request_context required); intent=send or proactive uses the channel default recipient.",
		InputSchema: objectSchema(map[string]interface{}{
			"message": stringProp(), "intent": stringProp(),
			"channel": stringProp(), "request_context": anyProp(),
		}, "message", "intent"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			message, err := stringArg(args, "message")
			if err != nil {
				return nil, err
			}
			intent, err := stringArg(args, "intent")
			if err != nil {
				return nil, err
			}
			reqCtx := parseRequestContext(args["request_context"])
			if reqCtx == nil {
				if channel, _ := args["channel"].(string); channel != "" {
					reqCtx = &envelope.RequestContext{SourceChannel: channel}
				}
			}
			id, err := d.Notify.Send(ctx, d.Butler, intent, message, reqCtx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"notification_id": id}, nil
		},
	})

	srv.Register(ToolDefinition{
		Name:        "route",
		Description: "Dispatch a tool call to another butler. Switchboard only.",
		InputSchema: objectSchema(map[string]interface{}{
			"butler": stringProp(), "tool": stringProp(), "args": anyProp(),
		}, "butler"),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, fault.New(fault.CodeNotPermitted, "only the switchboard routes between butlers")
		},
	})
}

func taskFromArgs(args map[string]interface{}) (store.Task, error) {
	var t store.Task
	name, err := stringArg(args, "name")
	if err != nil {
		return t, err
	}
	spec, err := stringArg(args, "spec")
	if err != nil {
		return t, err
	}
	mode, err := stringArg(args, "dispatch_mode")
	if err != nil {
		return t, err
	}
	t.Name, t.Spec, t.DispatchMode = name, spec, mode
	t.Prompt, _ = args["prompt"].(string)
	t.JobName, _ = args["job_name"].(string)
	if v, ok := args["job_args"]; ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return t, fault.Wrap(fault.CodeToolError, "encode job_args", err)
		}
		t.JobArgs = raw
	}
	if v, _ := args["until_at"].(string); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return t, fault.Wrap(fault.CodeToolError, "until_at must be RFC3339", err)
		}
		t.UntilAt = &until
	}
	return t, nil
}

// parseRequestContext decodes the request_context argument, tolerating
// absence.
func parseRequestContext(v interface{}) *envelope.RequestContext {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var rc envelope.RequestContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil
	}
	if rc.RequestID == "" && rc.SourceChannel == "" {
		return nil
	}
	return &rc
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fault.Newf(fault.CodeToolError, "%s is required", key)
	}
	return v, nil
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp() map[string]interface{} { return map[string]interface{}{"type": "string"} }
func anyProp() map[string]interface{}    { return map[string]interface{}{} }
