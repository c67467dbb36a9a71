package userop

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"
)

// decodeOpTypes converts the JSON-RPC wire representation of each field
// (hex strings throughout) into the concrete Go types of UserOperation.
func decodeOpTypes(f reflect.Kind, t reflect.Kind, data any) (any, error) {
	if f != reflect.String {
		return data, nil
	}
	str, ok := data.(string)
	if !ok {
		return data, nil
	}

	switch t {
	case reflect.Ptr: // *big.Int
		if !strings.HasPrefix(str, "0x") {
			n, ok := new(big.Int).SetString(str, 10)
			if !ok {
				return nil, fmt.Errorf("not a number: %q", str)
			}
			return n, nil
		}
		return hexutil.DecodeBig(str)
	case reflect.Slice: // []byte
		return hexutil.Decode(str)
	case reflect.Array: // common.Address
		if !common.IsHexAddress(str) {
			return nil, fmt.Errorf("not an address: %q", str)
		}
		return common.HexToAddress(str), nil
	}
	return data, nil
}

// FromMap builds a UserOperation from the loosely typed map a JSON-RPC
// request body decodes to, then validates it.
func FromMap(data map[string]any) (*UserOperation, error) {
	var op UserOperation

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: decodeOpTypes,
		Result:     &op,
		ErrorUnset: false,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("invalid userOperation: %w", err)
	}

	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}
