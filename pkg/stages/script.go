package stages

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// transformFunc is the function a script must define.
const transformFunc = "transform"

// Script transforms items with a Starlark program.
//
// The program must define transform(item), where item is a dict with "id",
// "payload" (a string) and "metadata". The function returns a dict of
// metadata entries to set on the item, a string that replaces the payload,
// or None to drop the item. Items keep their identity, so downstream stages
// see the same item with the changes applied.
type Script struct {
	name      string
	source    string
	transform starlark.Callable
}

// NewScript compiles a Starlark program. Globals are frozen after
// compilation, so Execute may run concurrently.
func NewScript(name, source string) (*Script, error) {
	thread := newThread(name)

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, name+".star", source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()

	fn, ok := globals[transformFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s must define a %s(item) function", name, transformFunc)
	}

	return &Script{name: name, source: source, transform: fn}, nil
}

func (s *Script) Name() string               { return s.name }
func (s *Script) Inputs() []pipeline.Socket  { return inSocket }
func (s *Script) Outputs() []pipeline.Socket { return outSocket }

// Execute applies transform to every buffered item.
func (s *Script) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	thread := newThread(s.name)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	out := pipeline.Outputs{}
	for _, wi := range in["in"] {
		it, ok := wi.(mutableItem)
		if !ok {
			return nil, fmt.Errorf("item %s does not support metadata updates", wi.ID())
		}
		arg, err := itemValue(it)
		if err != nil {
			return nil, err
		}

		res, err := starlark.Call(thread, s.transform, starlark.Tuple{arg}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("transform failed for item %s: %w", it.ID(), err)
		}

		if res == starlark.None {
			continue
		}
		if str, ok := res.(starlark.String); ok {
			it.SetPayload([]byte(str))
			out.Add("out", it)
			continue
		}
		updates, err := fromStarlarkValue(res)
		if err != nil {
			return nil, fmt.Errorf("transform result for item %s: %w", it.ID(), err)
		}
		fields, ok := updates.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("transform must return a dict, a string or None, got %s", res.Type())
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			it.Set(k, fields[k])
		}
		out.Add("out", it)
	}
	return out, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print output
		},
	}
}

// mutableItem is a work item whose payload and metadata are accessible.
type mutableItem interface {
	pipeline.WorkItem
	Payload() []byte
	SetPayload(p []byte)
	Set(key string, value any)
}

// itemValue exposes an item to Starlark as a dict.
func itemValue(it mutableItem) (starlark.Value, error) {
	meta := make(map[string]interface{}, len(it.Metadata()))
	for k, v := range it.Metadata() {
		meta[k] = v
	}
	return toStarlarkValue(map[string]interface{}{
		"id":       it.ID(),
		"payload":  string(it.Payload()),
		"metadata": meta,
	})
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case pipeline.Metadata:
		return toStarlarkValue(map[string]interface{}(val))
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
