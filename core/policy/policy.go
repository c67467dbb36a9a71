// Package policy evaluates an operator-supplied admission rule against each
// incoming user operation. The rule is a boolean expression over the op's
// fields, compiled once at startup; an empty rule admits everything.
package policy

import (
	"fmt"
	"math/big"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// ruleEnv is the expression environment. Numeric fields are exposed as
// float64 so rules can compare gas and fee magnitudes without big.Int
// gymnastics; precision loss is irrelevant at policy granularity.
type ruleEnv struct {
	Sender               string  `expr:"sender"`
	Paymaster            string  `expr:"paymaster"`
	Factory              string  `expr:"factory"`
	HasPaymaster         bool    `expr:"has_paymaster"`
	HasFactory           bool    `expr:"has_factory"`
	CallGasLimit         float64 `expr:"call_gas_limit"`
	VerificationGasLimit float64 `expr:"verification_gas_limit"`
	PreVerificationGas   float64 `expr:"pre_verification_gas"`
	MaxFeePerGas         float64 `expr:"max_fee_per_gas"`
	MaxPriorityFeePerGas float64 `expr:"max_priority_fee_per_gas"`
	CallDataSize         int     `expr:"call_data_size"`
}

type AdmissionRule struct {
	source  string
	program *vm.Program
}

// Compile builds a rule from source. An empty source yields a rule that
// admits every op.
func Compile(source string) (*AdmissionRule, error) {
	if source == "" {
		return &AdmissionRule{}, nil
	}
	program, err := expr.Compile(source, expr.Env(ruleEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid admission rule %q: %w", source, err)
	}
	return &AdmissionRule{source: source, program: program}, nil
}

// Check runs the rule; a false result rejects the op with an invalid-fields
// error carrying the rule text.
func (r *AdmissionRule) Check(op *userop.UserOperation) error {
	if r.program == nil {
		return nil
	}

	env := ruleEnv{
		Sender:       op.Sender.Hex(),
		Paymaster:    op.GetPaymaster().Hex(),
		Factory:      op.GetFactory().Hex(),
		HasPaymaster: op.HasPaymaster(),
		HasFactory:   op.HasFactory(),
		CallDataSize: len(op.CallData),
	}
	if op.CallGasLimit != nil {
		env.CallGasLimit, _ = new(big.Float).SetInt(op.CallGasLimit).Float64()
	}
	if op.VerificationGasLimit != nil {
		env.VerificationGasLimit, _ = new(big.Float).SetInt(op.VerificationGasLimit).Float64()
	}
	if op.PreVerificationGas != nil {
		env.PreVerificationGas, _ = new(big.Float).SetInt(op.PreVerificationGas).Float64()
	}
	if op.MaxFeePerGas != nil {
		env.MaxFeePerGas, _ = new(big.Float).SetInt(op.MaxFeePerGas).Float64()
	}
	if op.MaxPriorityFeePerGas != nil {
		env.MaxPriorityFeePerGas, _ = new(big.Float).SetInt(op.MaxPriorityFeePerGas).Float64()
	}

	result, err := expr.Run(r.program, env)
	if err != nil {
		return fmt.Errorf("admission rule evaluation failed: %w", err)
	}
	if ok, _ := result.(bool); !ok {
		return validation.ErrInvalidFields("rejected by admission rule: %s", r.source)
	}
	return nil
}
