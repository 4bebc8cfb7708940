package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEval_BareEnvTruthiness(t *testing.T) {
	assert.True(t, Eval("env.CI", map[string]string{"CI": "true"}))
	assert.True(t, Eval("env.CI", map[string]string{"CI": "anything"}))
	assert.False(t, Eval("env.CI", map[string]string{"CI": ""}))
	assert.False(t, Eval("env.CI", map[string]string{}))
}

func TestEval_Equality(t *testing.T) {
	assert.True(t, Eval(`env.CI == "true"`, map[string]string{"CI": "true"}))
	assert.False(t, Eval(`env.CI == "true"`, map[string]string{"CI": "false"}))
	assert.False(t, Eval(`env.CI == "true"`, map[string]string{}))
	assert.True(t, Eval(`env.CI != "true"`, map[string]string{"CI": "false"}))
}

func TestEval_LogicalOps(t *testing.T) {
	env := map[string]string{"A": "true", "B": ""}
	assert.True(t, Eval("env.A && !env.B", env))
	assert.False(t, Eval("env.A && env.B", env))
	assert.True(t, Eval("env.A || env.B", env))
	assert.True(t, Eval("!env.B", env))
}

func TestEval_Parens(t *testing.T) {
	env := map[string]string{"A": "true", "B": "true", "C": ""}
	assert.True(t, Eval("(env.A || env.C) && env.B", env))
	assert.False(t, Eval("env.A && (env.C || env.C)", env))
}

func TestEval_EmptyExpressionIsAlwaysTrue(t *testing.T) {
	assert.True(t, Eval("", map[string]string{}))
}

func TestEval_ParseFailureIsFalse(t *testing.T) {
	assert.False(t, Eval("env.A &&", map[string]string{"A": "true"}))
	assert.False(t, Eval("not valid syntax !!", map[string]string{}))
	assert.False(t, Eval(`"unterminated`, map[string]string{}))
	assert.False(t, Eval("(env.A", map[string]string{"A": "true"}))
}
