package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"script-harness/internal/mockdata"
	"script-harness/internal/platform"
)

const (
	DefaultMaxCallStack = 1024
	maxSleep            = 24 * time.Hour
)

// runReport is what the engine knows about a finished run.
type runReport struct {
	loadErr      error
	internalErr  error
	interrupted  bool
	scriptErrors int
	assertions   int
}

type engineConfig struct {
	Filename     string
	Limits       Limits
	TestData     map[string]any
	MaxCallStack int
}

// engine owns the goja runtime of one run. Everything except interrupt must be
// called from the goroutine executing run.
type engine struct {
	ctx       context.Context
	vm        *goja.Runtime
	ec        *ExecutionContext
	session   *platform.Session
	cfg       engineConfig
	stringify goja.Callable

	rejections []*goja.Promise
	handled    map[*goja.Promise]bool
	report     runReport
}

func newEngine(ctx context.Context, ec *ExecutionContext, session *platform.Session, cfg engineConfig) (*engine, error) {
	vm := goja.New()
	stack := cfg.MaxCallStack
	if stack <= 0 {
		stack = DefaultMaxCallStack
	}
	vm.SetMaxCallStackSize(stack)

	e := &engine{
		ctx:     ctx,
		vm:      vm,
		ec:      ec,
		session: session,
		cfg:     cfg,
		handled: make(map[*goja.Promise]bool),
	}
	vm.SetPromiseRejectionTracker(e.trackRejection)

	if err := e.install(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *engine) install() error {
	stringify, ok := goja.AssertFunction(e.vm.Get("JSON").ToObject(e.vm).Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is not callable")
	}
	e.stringify = stringify

	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, e.consoleFunc(level)); err != nil {
			return fmt.Errorf("console.%s: %w", level, err)
		}
	}

	api := e.vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		platform.OpQuery:  e.apiQuery,
		platform.OpCreate: e.apiCreate,
		platform.OpUpdate: e.apiUpdate,
	} {
		if err := api.Set(name, fn); err != nil {
			return fmt.Errorf("api.%s: %w", name, err)
		}
	}

	testData := e.cfg.TestData
	if testData == nil {
		testData = map[string]any{}
	}

	globals := []struct {
		name  string
		value any
	}{
		{"console", console},
		{"api", api},
		{"testData", e.toJS(testData)},
		{"testContext", e.toJS(e.contextInfo())},
		{"sleep", e.sleep},
		{"assert", e.assert},
		{"fail", e.fail},
	}
	for _, g := range globals {
		if err := e.vm.Set(g.name, g.value); err != nil {
			return fmt.Errorf("setting %s: %w", g.name, err)
		}
	}
	return nil
}

func (e *engine) contextInfo() map[string]any {
	return map[string]any{
		"id":        e.ec.ID,
		"projectId": e.ec.ProjectID,
		"versionId": e.ec.VersionID,
		"startedAt": e.ec.StartedAt.Format(time.RFC3339Nano),
		"limits": map[string]any{
			"timeoutMs":        e.cfg.Limits.Timeout.Milliseconds(),
			"memoryLimitBytes": e.cfg.Limits.MemoryBytes,
			"apiCallLimit":     e.cfg.Limits.APICallLimit,
		},
	}
}

// interrupt stops JavaScript execution. Safe to call from any goroutine.
func (e *engine) interrupt(reason string) {
	e.vm.Interrupt(reason)
}

// wrapSource lets scripts use top-level await and return.
func wrapSource(src string) string {
	return "(async function() {\n" + src + "\n})()"
}

func (e *engine) run(src string) (rep runReport) {
	defer func() {
		if r := recover(); r != nil {
			rep = runReport{internalErr: fmt.Errorf("engine panic: %v", r)}
		}
	}()

	e.ec.Charge(int64(len(src)))
	if e.cfg.TestData != nil {
		e.ec.Charge(mockdata.ApproxSize(e.cfg.TestData))
	}

	prg, err := goja.Compile(e.cfg.Filename, wrapSource(src), false)
	if err != nil {
		e.ec.RecordError(err.Error())
		e.report.loadErr = fmt.Errorf("%w: %v", ErrLoadFailed, err)
		return e.report
	}

	v, err := e.vm.RunProgram(prg)
	if err != nil {
		var interrupted *goja.InterruptedError
		var overflow *goja.StackOverflowError
		var ex *goja.Exception
		switch {
		case errors.As(err, &interrupted):
			e.report.interrupted = true
			return e.report
		case errors.As(err, &overflow):
			e.recordMessage("RangeError: Maximum call stack size exceeded", false)
		case errors.As(err, &ex) && ex.Value() != nil:
			e.recordThrown(ex.Value())
		default:
			e.recordMessage(err.Error(), false)
		}
		e.flushRejections()
		return e.report
	}

	if p, ok := v.Export().(*goja.Promise); ok && p.State() == goja.PromiseStatePending {
		// The script awaits something that never settles. Like a hung
		// process it stays running until the governor or a cancel stops it.
		<-e.ctx.Done()
		e.report.interrupted = true
		return e.report
	}

	e.flushRejections()
	return e.report
}

func (e *engine) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		e.rejections = append(e.rejections, p)
		e.handled[p] = false
	case goja.PromiseRejectionHandle:
		e.handled[p] = true
	}
}

// flushRejections records every rejection nobody handled, in the order the
// promises were rejected. The main promise is among them when the script
// threw.
func (e *engine) flushRejections() {
	for _, p := range e.rejections {
		if !e.handled[p] {
			e.recordThrown(p.Result())
		}
	}
	e.rejections = nil
}

func (e *engine) recordThrown(v goja.Value) {
	if silent(v) {
		return
	}
	e.recordMessage(describe(v), errorName(v) == "AssertionError")
}

func (e *engine) recordMessage(msg string, assertion bool) {
	if assertion {
		e.report.assertions++
	} else {
		e.report.scriptErrors++
	}
	e.ec.RecordError(msg)
}

// silent reports whether a thrown value is a quota or abort error. Those are
// summarized once by the manager instead of once per call.
func silent(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	code := obj.Get("code")
	if code == nil || goja.IsUndefined(code) {
		return false
	}
	switch platform.Code(code.String()) {
	case platform.CodeQuotaExceeded, platform.CodeAborted:
		return true
	}
	return false
}

func errorName(v goja.Value) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()
	obj, ok := v.(*goja.Object)
	if !ok {
		return ""
	}
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		return n.String()
	}
	return ""
}

// describe renders a thrown value as "Name: message".
func describe(v goja.Value) (s string) {
	defer func() {
		if recover() != nil {
			s = "Uncaught exception"
		}
	}()
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) {
		return obj.String()
	}
	name := errorName(v)
	if name == "" {
		name = "Error"
	}
	if msg.String() == "" {
		return name
	}
	return name + ": " + msg.String()
}

func (e *engine) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = e.format(arg)
		}
		line := strings.Join(parts, " ")
		if level != "log" {
			line = "[" + level + "] " + line
		}
		e.ec.Log(line)
		return goja.Undefined()
	}
}

func (e *engine) format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		return describe(obj)
	}
	if _, fn := goja.AssertFunction(obj); fn {
		return obj.String()
	}
	out, err := e.stringify(goja.Undefined(), obj)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return obj.String()
	}
	return out.String()
}

func (e *engine) sleep(call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToInteger()
	d := time.Duration(ms) * time.Millisecond
	if ms < 0 {
		d = 0
	}
	if ms > int64(maxSleep/time.Millisecond) {
		d = maxSleep
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
		panic(e.newError("AbortError", "execution aborted", platform.CodeAborted))
	}
	return e.resolved(nil)
}

func (e *engine) assert(call goja.FunctionCall) goja.Value {
	if call.Argument(0).ToBoolean() {
		return goja.Undefined()
	}
	msg := "assertion failed"
	if m := call.Argument(1); !goja.IsUndefined(m) {
		msg = e.format(m)
	}
	panic(e.newError("AssertionError", msg, ""))
}

// fail records an explicit failure without stopping the script.
func (e *engine) fail(call goja.FunctionCall) goja.Value {
	msg := "test failed"
	if m := call.Argument(0); !goja.IsUndefined(m) {
		msg = e.format(m)
	}
	e.recordMessage("AssertionError: "+msg, true)
	return goja.Undefined()
}

func (e *engine) apiQuery(call goja.FunctionCall) goja.Value {
	q, err := parseQuery(call.Argument(1).Export())
	if err != nil {
		panic(e.vm.NewTypeError(err.Error()))
	}
	recs, err := e.session.Query(e.ctx, argString(call.Argument(0)), q)
	if err != nil {
		return e.rejected(err)
	}
	items := make([]any, len(recs))
	for i, rec := range recs {
		items[i] = map[string]any(rec)
	}
	return e.resolved(items)
}

func (e *engine) apiCreate(call goja.FunctionCall) goja.Value {
	rec, ok := call.Argument(1).Export().(map[string]any)
	if !ok {
		panic(e.vm.NewTypeError("api.create expects a record object"))
	}
	e.ec.Charge(mockdata.ApproxSize(rec))
	created, err := e.session.Create(e.ctx, argString(call.Argument(0)), rec)
	if err != nil {
		return e.rejected(err)
	}
	return e.resolved(map[string]any(created))
}

func (e *engine) apiUpdate(call goja.FunctionCall) goja.Value {
	fields, ok := call.Argument(2).Export().(map[string]any)
	if !ok {
		panic(e.vm.NewTypeError("api.update expects a fields object"))
	}
	e.ec.Charge(mockdata.ApproxSize(fields))
	updated, err := e.session.Update(e.ctx, argString(call.Argument(0)), argString(call.Argument(1)), fields)
	if err != nil {
		return e.rejected(err)
	}
	return e.resolved(map[string]any(updated))
}

func (e *engine) resolved(v any) goja.Value {
	if v != nil {
		e.ec.Charge(mockdata.ApproxSize(v))
	}
	p, resolve, _ := e.vm.NewPromise()
	if v == nil {
		_ = resolve(goja.Undefined())
	} else {
		_ = resolve(e.toJS(v))
	}
	return e.vm.ToValue(p)
}

func (e *engine) rejected(err error) goja.Value {
	p, _, reject := e.vm.NewPromise()
	_ = reject(e.platformError(err))
	return e.vm.ToValue(p)
}

func (e *engine) platformError(err error) *goja.Object {
	var pe *platform.Error
	if !errors.As(err, &pe) {
		return e.newError("PlatformError", err.Error(), "")
	}
	obj := e.newError("PlatformError", pe.Error(), pe.Code)
	_ = obj.Set("operation", pe.Op)
	_ = obj.Set("collection", pe.Collection)
	return obj
}

func (e *engine) newError(name, msg string, code platform.Code) *goja.Object {
	obj, err := e.vm.New(e.vm.Get("Error"), e.vm.ToValue(msg))
	if err != nil {
		obj = e.vm.NewObject()
		_ = obj.Set("message", msg)
	}
	_ = obj.Set("name", name)
	if code != "" {
		_ = obj.Set("code", string(code))
	}
	return obj
}

// toJS deep-copies v into native script objects and arrays. Map keys are
// emitted in sorted order so serialized output is stable.
func (e *engine) toJS(v any) goja.Value {
	switch t := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return t
	case mockdata.Record:
		return e.toJS(map[string]any(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := e.vm.NewObject()
		for _, k := range keys {
			_ = obj.Set(k, e.toJS(t[k]))
		}
		return obj
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = e.toJS(item)
		}
		return e.vm.NewArray(items...)
	case []mockdata.Record:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = e.toJS(map[string]any(item))
		}
		return e.vm.NewArray(items...)
	default:
		return e.vm.ToValue(t)
	}
}

func argString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func parseQuery(v any) (platform.Query, error) {
	var q platform.Query
	if v == nil {
		return q, nil
	}
	opts, ok := v.(map[string]any)
	if !ok {
		return q, errors.New("api.query options must be an object")
	}

	if w, ok := opts["where"]; ok && w != nil {
		where, ok := w.(map[string]any)
		if !ok {
			return q, errors.New("api.query where must be an object")
		}
		q.Where = where
	}
	if s, ok := opts["select"]; ok && s != nil {
		fields, ok := s.([]any)
		if !ok {
			return q, errors.New("api.query select must be an array of field names")
		}
		for _, f := range fields {
			name, ok := f.(string)
			if !ok {
				return q, errors.New("api.query select must be an array of field names")
			}
			q.Select = append(q.Select, name)
		}
	}
	if s, ok := opts["sortBy"].(string); ok {
		q.SortBy = s
	}
	if d, ok := opts["desc"].(bool); ok {
		q.Desc = d
	}
	if o, ok := opts["order"].(string); ok && strings.EqualFold(o, "desc") {
		q.Desc = true
	}
	if l, ok := opts["limit"]; ok && l != nil {
		switch n := l.(type) {
		case int64:
			q.Limit = int(n)
		case float64:
			q.Limit = int(n)
		default:
			return q, errors.New("api.query limit must be a number")
		}
		if q.Limit < 0 {
			return q, errors.New("api.query limit must not be negative")
		}
	}
	return q, nil
}
