// Package lua runs checkpoint policies written as sandboxed Lua scripts.
//
// A policy script defines a global function:
//
//	function decide(step, payload)
//	  if step == "security" and #payload.review_findings > 0 then
//	    return "reject"
//	  end
//	  return "approve"
//	end
//
// decide returns a decision name and, for revise and instruct, the feedback.
package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

// Policy is a checkpoint.Coordinator backed by a Lua script.
type Policy struct {
	script string
	name   string
	logger *logging.Logger

	mu   sync.Mutex
	logs []string
}

// LoadPolicy reads the script at path. The script is compiled on each
// decision so a broken edit surfaces at the next checkpoint.
func LoadPolicy(path string, logger *logging.Logger) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script: %w", err)
	}
	return NewPolicy(filepath.Base(path), string(data), logger), nil
}

func NewPolicy(name, script string, logger *logging.Logger) *Policy {
	return &Policy{script: script, name: name, logger: logging.OrNop(logger).Named("policy")}
}

// Logs returns every message the script passed to log().
func (p *Policy) Logs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logs...)
}

func (p *Policy) Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (checkpoint.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return checkpoint.Outcome{}, checkpoint.ErrPaused
	}

	payload, err := payloadMap(checkpoint.BuildPayload(rc, step.Name))
	if err != nil {
		return checkpoint.Outcome{}, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		p.mu.Lock()
		p.logs = append(p.logs, msg)
		p.mu.Unlock()
		p.logger.Info(ctx, msg, zap.String("script", p.name), zap.String("step", step.Name))
		return 0
	}))

	if err := L.DoString(p.script); err != nil {
		if ctx.Err() != nil {
			return checkpoint.Outcome{}, checkpoint.ErrPaused
		}
		return checkpoint.Outcome{}, fmt.Errorf("failed to load policy %s: %w", p.name, err)
	}

	fn := L.GetGlobal("decide")
	if fn.Type() != lua.LTFunction {
		return checkpoint.Outcome{}, fmt.Errorf("policy %s must define a 'decide' function", p.name)
	}

	L.Push(fn)
	L.Push(lua.LString(step.Name))
	L.Push(goToLua(L, payload))
	if err := L.PCall(2, 2, nil); err != nil {
		if ctx.Err() != nil {
			return checkpoint.Outcome{}, checkpoint.ErrPaused
		}
		return checkpoint.Outcome{}, fmt.Errorf("policy %s failed at %s: %w", p.name, step.Name, err)
	}

	rawDecision := L.Get(-2)
	rawFeedback := L.Get(-1)
	L.Pop(2)

	if rawDecision.Type() != lua.LTString {
		return checkpoint.Outcome{}, fmt.Errorf("policy %s returned %s, want a decision string", p.name, rawDecision.Type())
	}
	decision, err := models.ParseDecision(rawDecision.String())
	if err != nil {
		return checkpoint.Outcome{}, fmt.Errorf("policy %s: %w", p.name, err)
	}

	out := checkpoint.Outcome{Decision: decision}
	if rawFeedback != lua.LNil {
		out.Feedback = rawFeedback.String()
	}
	if decision.NeedsFeedback() && out.Feedback == "" {
		return checkpoint.Outcome{}, fmt.Errorf("policy %s returned %s without feedback", p.name, decision)
	}
	return out, nil
}

func payloadMap(p checkpoint.Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // log() goes through the run logger

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Policies must be deterministic.
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
