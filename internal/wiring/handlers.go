package wiring

import (
	"context"
	"path"
	"time"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/hostlifecycle"
	"github.com/yasunoritani/manxo-bridge/internal/model"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l1"
)

func argString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", bridgeerr.Newf(bridgeerr.CodeInvalidArguments, "missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", bridgeerr.Newf(bridgeerr.CodeInvalidArguments, "argument %q must be a string", key)
	}
	return s, nil
}

func argStringOpt(params map[string]interface{}, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func argFloat(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, bridgeerr.Newf(bridgeerr.CodeInvalidArguments, "missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, bridgeerr.Newf(bridgeerr.CodeInvalidArguments, "argument %q must be numeric", key)
	}
}

func argFloatOpt(params map[string]interface{}, key string, def float64) float64 {
	f, err := argFloat(params, key)
	if err != nil {
		return def
	}
	return f
}

func argInt(params map[string]interface{}, key string) (int, error) {
	f, err := argFloat(params, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func argIntOpt(params map[string]interface{}, key string, def int) int {
	n, err := argInt(params, key)
	if err != nil {
		return def
	}
	return n
}

// registerMethods binds the full L2 method catalogue (spec.md §4.3) to the
// router. Handlers contain only business logic; request tracking,
// timeouts, and cancellation are the lifecycle manager's job, applied in
// handleL2Frame.
func (b *Bridge) registerMethods() {
	r := b.router

	r.RegisterMethod("patch.create", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		name, err := argString(p, "name")
		if err != nil {
			return nil, err
		}
		patch, err := b.mirror.CreatePatch(name)
		if err != nil {
			return nil, err
		}
		b.sessions.TrackPatch(patch.ID)
		return patch, nil
	})

	r.RegisterMethod("patch.open", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		filepath, err := argString(p, "filepath")
		if err != nil {
			return nil, err
		}
		patch, err := b.mirror.CreatePatch(path.Base(filepath))
		if err != nil {
			return nil, err
		}
		if err := b.mirror.SavePatch(patch.ID, filepath); err != nil {
			return nil, err
		}
		b.sessions.TrackPatch(patch.ID)
		return b.mirror.GetPatch(patch.ID)
	})

	r.RegisterMethod("patch.save", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		patchID, err := argString(p, "patchId")
		if err != nil {
			return nil, err
		}
		filepath := argStringOpt(p, "filepath", "")
		if err := b.mirror.SavePatch(patchID, filepath); err != nil {
			return nil, err
		}
		return b.mirror.GetPatch(patchID)
	})

	r.RegisterMethod("patch.close", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		patchID, err := argString(p, "patchId")
		if err != nil {
			return nil, err
		}
		return nil, b.mirror.ClosePatch(patchID)
	})

	r.RegisterMethod("object.create", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		patchID, err := argString(p, "patchId")
		if err != nil {
			return nil, err
		}
		objType, err := argString(p, "type")
		if err != nil {
			return nil, err
		}
		pos := model.Position{X: argFloatOpt(p, "x", 0), Y: argFloatOpt(p, "y", 0)}
		var size *model.Size
		if _, ok := p["w"]; ok {
			size = &model.Size{W: argFloatOpt(p, "w", 0), H: argFloatOpt(p, "h", 0)}
		}
		inlets := argIntOpt(p, "inlets", 1)
		outlets := argIntOpt(p, "outlets", 1)
		return b.mirror.CreateObject(patchID, objType, pos, size, inlets, outlets)
	})

	r.RegisterMethod("object.delete", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		return nil, b.mirror.DeleteObject(objectID)
	})

	r.RegisterMethod("object.move", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		pos := model.Position{X: argFloatOpt(p, "x", 0), Y: argFloatOpt(p, "y", 0)}
		return b.mirror.MoveObject(objectID, pos)
	})

	r.RegisterMethod("object.connect", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		srcObj, err := argString(p, "sourceObjectId")
		if err != nil {
			return nil, err
		}
		dstObj, err := argString(p, "destObjectId")
		if err != nil {
			return nil, err
		}
		srcOutlet, err := argInt(p, "sourceOutlet")
		if err != nil {
			return nil, err
		}
		dstInlet, err := argInt(p, "destInlet")
		if err != nil {
			return nil, err
		}
		return b.mirror.Connect(srcObj, srcOutlet, dstObj, dstInlet)
	})

	r.RegisterMethod("object.disconnect", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		connID, err := argString(p, "connectionId")
		if err != nil {
			return nil, err
		}
		return nil, b.mirror.Disconnect(connID)
	})

	r.RegisterMethod("param.set", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		name, err := argString(p, "name")
		if err != nil {
			return nil, err
		}
		value, ok := p["value"]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.CodeInvalidArguments, "missing argument \"value\"")
		}
		typ := model.ParamType(argStringOpt(p, "type", string(model.ParamFloat)))
		return b.mirror.SetParameter(objectID, name, value, typ)
	})

	r.RegisterMethod("param.get", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		name, err := argString(p, "name")
		if err != nil {
			return nil, err
		}
		return b.mirror.GetParameter(objectID, name)
	})

	r.RegisterMethod("param.watch", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		name, err := argString(p, "name")
		if err != nil {
			return nil, err
		}
		subscriberID := argStringOpt(p, "subscriberId", "l2-default")
		b.paramsync.Watch(subscriberID, objectID, name)
		return map[string]bool{"watching": true}, nil
	})

	r.RegisterMethod("param.unwatch", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		objectID, err := argString(p, "objectId")
		if err != nil {
			return nil, err
		}
		name, err := argString(p, "name")
		if err != nil {
			return nil, err
		}
		subscriberID := argStringOpt(p, "subscriberId", "l2-default")
		b.paramsync.Unwatch(subscriberID, objectID, name)
		return map[string]bool{"watching": false}, nil
	})

	r.RegisterMethod("state.sync", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return b.mirror.Snapshot(), nil
	})

	r.RegisterMethod("state.diff", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		since, err := argInt(p, "sinceSyncId")
		if err != nil {
			return nil, err
		}
		newSyncID, diffs, rebased := b.mirror.Diff(uint64(since))
		if rebased {
			return map[string]interface{}{"rebased": true, "snapshot": b.mirror.Snapshot()}, nil
		}
		return map[string]interface{}{"syncId": newSyncID, "diffs": diffs}, nil
	})

	r.RegisterMethod("session.start", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		name := argStringOpt(p, "name", "default")
		return b.sessions.Start(name)
	})

	r.RegisterMethod("session.end", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return b.sessions.End()
	})

	r.RegisterMethod("session.save", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		target, err := argString(p, "path")
		if err != nil {
			return nil, err
		}
		return nil, b.sessions.Save(target)
	})

	r.RegisterMethod("session.load", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		target, err := argString(p, "path")
		if err != nil {
			return nil, err
		}
		return b.sessions.Load(target)
	})

	r.RegisterMethod("system.init", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"methods": methodCatalogue()}, nil
	})

	r.RegisterMethod("system.shutdown", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		if b.cancel != nil {
			go func() {
				time.Sleep(50 * time.Millisecond)
				b.cancel()
			}()
		}
		return map[string]bool{"shuttingDown": true}, nil
	})

	r.RegisterMethod("system.status", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return b.healthSnapshot(), nil
	})

	r.RegisterMethod("system.ping", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"pong": true, "time": time.Now().UTC()}, nil
	})

	r.RegisterMethod("system.cancel", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		requestID, err := argString(p, "requestId")
		if err != nil {
			return nil, err
		}
		// Cancelling an unknown or already-terminal id succeeds silently.
		b.lifecycle.Cancel(requestID)
		return map[string]bool{"cancelled": true}, nil
	})
}

// registerAddresses binds the inbound /mcp address namespace (spec.md §6):
// host lifecycle hooks, host-side parameter changes flowing back into the
// mirror, and a liveness probe.
func (b *Bridge) registerAddresses() {
	b.router.RegisterAddress("/mcp/lifecycle", func(ctx context.Context, frame l1.Frame) error {
		if len(frame.Args) == 0 || frame.Args[0].Type != l1.ArgString {
			return bridgeerr.New(bridgeerr.CodeInvalidArguments, "lifecycle hook requires a string argument")
		}
		return b.hostlife.Handle(ctx, hostlifecycle.Hook(frame.Args[0].Str))
	})

	// Host-side parameter changes: /mcp/params/<name> with args
	// (objectId, value). The wire type tag selects the parameter type,
	// so host writes keep the bidirectional sync loop honest.
	b.router.RegisterAddress("/mcp/params/*", func(ctx context.Context, frame l1.Frame) error {
		if len(frame.Args) < 2 || frame.Args[0].Type != l1.ArgString {
			return bridgeerr.New(bridgeerr.CodeInvalidArguments, "param change requires (objectId, value) arguments")
		}
		if b.hostlife.Frozen() {
			// Mirror frozen by a closed hook: host writes are dropped.
			return nil
		}
		name := path.Base(frame.Address)
		objectID := frame.Args[0].Str
		value, typ := paramValue(frame.Args[1])
		_, err := b.mirror.SetParameter(objectID, name, value, typ)
		return err
	})

	b.router.RegisterAddress("/mcp/ping", func(ctx context.Context, frame l1.Frame) error {
		return b.l1Transport.Send(l1.Frame{
			Address: "/max/response/system/ping",
			Args:    []l1.Arg{{Type: l1.ArgString, Str: "pong"}},
		})
	})
}

// paramValue maps one L1 wire argument onto a parameter value and type.
func paramValue(a l1.Arg) (interface{}, model.ParamType) {
	switch a.Type {
	case l1.ArgInt:
		return a.Int, model.ParamInt
	case l1.ArgFloat:
		return a.Float, model.ParamFloat
	case l1.ArgBool:
		return a.Bool, model.ParamBool
	default:
		return a.Str, model.ParamString
	}
}
