package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
)

func newTestRun(t *testing.T, timeout time.Duration) *Run {
	t.Helper()
	sb, err := New(Options{Timeout: timeout})
	require.NoError(t, err)
	return sb.NewRun()
}

func TestExecuteCodeIdentity(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	in := []item.Item{item.FromJSON(map[string]any{"a": 1.0})}

	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return $input;",
		Input:  in,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.False(t, res.PassThrough)
	assert.EqualValues(t, 1, res.Items[0].JSON["a"])
}

func TestExecuteCodeUndefinedPassesThrough(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	in := []item.Item{item.FromJSON(map[string]any{"keep": true})}

	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "const x = 1;",
		Input:  in,
	})
	require.NoError(t, err)
	assert.True(t, res.PassThrough)
	assert.Equal(t, in, res.Items)
}

func TestExecuteCodeJSONAlias(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return { doubled: $json.n * 2, same: $inputItem.n };",
		Input:  []item.Item{item.FromJSON(map[string]any{"n": 21.0})},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.EqualValues(t, 42, res.Items[0].JSON["doubled"])
	assert.EqualValues(t, 21, res.Items[0].JSON["same"])
}

func TestExecuteCodeEmptyInputJSON(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return { keys: Object.keys($json).length, count: $inputAll.length };",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Items[0].JSON["keys"])
	assert.EqualValues(t, 0, res.Items[0].JSON["count"])
}

func TestExecuteCodePlainArrayWrapping(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return [1, {name: 'x'}];",
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.EqualValues(t, 1, res.Items[0].JSON["value"])
	assert.Equal(t, "x", res.Items[1].JSON["name"])
}

func TestExecuteCodeItemShapedArray(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return $input.map(i => ({json: {n: i.json.n + 1}}));",
		Input: []item.Item{
			item.FromJSON(map[string]any{"n": 1.0}),
			item.FromJSON(map[string]any{"n": 2.0}),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.EqualValues(t, 2, res.Items[0].JSON["n"])
	assert.EqualValues(t, 3, res.Items[1].JSON["n"])
}

func TestExecuteCodePredecessorInjection(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n2",
		Code:   "return { fromPrev: $Fetch_Users.json.name, total: $Fetch_Users.input.length };",
		Predecessors: map[string][]item.Item{
			"Fetch_Users": {
				item.FromJSON(map[string]any{"name": "ada"}),
				item.FromJSON(map[string]any{"name": "grace"}),
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", res.Items[0].JSON["fromPrev"])
	assert.EqualValues(t, 2, res.Items[0].JSON["total"])
}

func TestExecuteCodeAwait(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "const v = await Promise.resolve(7); return {v};",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Items[0].JSON["v"])
}

func TestExecuteCodeTimeout(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 50*time.Millisecond)
	_, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "while (true) {}",
	})
	var terr *flowerrors.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 50*time.Millisecond, terr.Limit)
}

func TestExecuteCodeRuntimeError(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	_, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "throw new Error('boom');",
	})
	var rerr *flowerrors.RuntimeError
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, rerr.Message, "boom")
}

func TestExecuteCodeSyntaxErrorMapsLines(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	_, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "const a = 1;\nconst b = ;",
	})
	var tve *flowerrors.TypeValidationError
	require.True(t, errors.As(err, &tve))
	require.NotEmpty(t, tve.Diagnostics)
	assert.Equal(t, 2, tve.Diagnostics[0].Line)
}

func TestExecuteCodeConsoleCapture(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	var logged []string
	_, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID:  "n1",
		Code:    "console.log('hello', {n: 1}); return {};",
		Console: func(level, message string) { logged = append(logged, level+": "+message) },
	})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, `info: hello {"n":1}`, logged[0])
}

func TestExecuteCodeTopLevelReturnOfObject(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return 'just a string';",
	})
	require.NoError(t, err)
	assert.Equal(t, "just a string", res.Items[0].JSON["value"])
}

func TestUtilitiesModuleInjection(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	res, err := run.ExecuteCode(context.Background(), Invocation{
		NodeID: "n1",
		Code:   "return { sum: $Helpers.add(2, 3) };",
		Utilities: map[string]string{
			"Helpers": "module.exports.add = function(a, b) { return a + b; };",
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Items[0].JSON["sum"])
}

func TestUtilitiesCompiledOncePerRun(t *testing.T) {
	t.Parallel()
	run := newTestRun(t, 0)
	exports, err := run.ExecuteUtilities(context.Background(), "Helpers",
		"module.exports.add = (a, b) => a + b; module.exports.version = '1';")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"add", "version"}, exports)

	run.mu.Lock()
	_, cached := run.modules["Helpers"]
	run.mu.Unlock()
	assert.True(t, cached)
}

func TestRewriteImports(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{`import lodash from 'lodash'`, `const lodash = require('lodash');`},
		{`import { chunk, uniq } from "lodash"`, `const { chunk, uniq } = require("lodash");`},
		{`import * as _ from 'lodash';`, `const _ = require('lodash');`},
		{`import 'polyfill'`, `require('polyfill');`},
		{`const x = 1;`, `const x = 1;`},
	}
	for _, tc := range cases {
		got, _ := rewriteImports(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
