package userop

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks structural well-formedness: required fields present and
// the packed entity fields either empty or long enough to carry an address.
// Protocol-level validity is simulation's job, not this.
func (op *UserOperation) Validate() error {
	if err := validate.Struct(op); err != nil {
		return err
	}
	if n := len(op.InitCode); n > 0 && n < 20 {
		return fmt.Errorf("initCode too short to contain a factory address")
	}
	if n := len(op.PaymasterAndData); n > 0 && n < 20 {
		return fmt.Errorf("paymasterAndData too short to contain a paymaster address")
	}
	if op.CallGasLimit.Sign() <= 0 || op.VerificationGasLimit.Sign() <= 0 {
		return fmt.Errorf("gas limits must be positive")
	}
	if op.MaxFeePerGas.Cmp(op.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("maxFeePerGas must be >= maxPriorityFeePerGas")
	}
	return nil
}
